/*
Copyright © 2018-2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/dsc/internal/commands/dsc"
	"github.com/blacktop/dsc/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(sectionsCmd)
	sectionsCmd.Flags().StringP("module", "m", "", "Only list sections of this image")
	sectionsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	viper.BindPFlag("sections.module", sectionsCmd.Flags().Lookup("module"))
	viper.BindPFlag("sections.json", sectionsCmd.Flags().Lookup("json"))
}

// sectionsCmd represents the sections command
var sectionsCmd = &cobra.Command{
	Use:   "sections <DSC>",
	Short: "List the sections of one or every image",
	Example: heredoc.Doc(`
		# List the sections of libsystem_c
		❯ dsc sections dyld_shared_cache_arm64e -m libsystem_c.dylib
		# List the sections of every image as JSON
		❯ dsc sections dyld_shared_cache_arm64e --json`),
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeDSC,
	SilenceErrors:     true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := setup()
		if err != nil {
			return err
		}

		f, err := openDSC(args[0], conf)
		if err != nil {
			return err
		}
		defer f.Close()

		var results []dsc.ImageSections
		image := viper.GetString("sections.module")
		var step func()
		stop := func() {}
		if len(image) == 0 {
			step, stop = imageProgress(len(f.Images))
		}

		if err := interruptible(func(ctx context.Context) (err error) {
			results, err = dsc.GetSections(ctx, f, dsc.Options{
				Image:    image,
				Workers:  conf.Workers,
				Progress: step,
			})
			return err
		}); err != nil {
			stop()
			return err
		}
		stop()

		if viper.GetBool("sections.json") {
			return printJSON(results)
		}

		for _, res := range results {
			if len(results) > 1 {
				fmt.Println(colorImage(res.Image))
			}
			for _, sec := range res.Sections {
				fmt.Printf("%s\t%s\t%s\t(%s)\n",
					colorName(fmt.Sprintf("%s.%s", sec.Segment, sec.Name)),
					colorAddr("%#x", sec.Address),
					colorAddr("%#x", sec.Size),
					colorFaint(humanize.Bytes(sec.Size)),
				)
			}
			for _, e := range res.Errors {
				utils.Indent(log.Warn, 2)(colorError(e))
			}
		}

		return nil
	},
}
