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
	"fmt"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/dsc/internal/commands/dsc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(imagesCmd)
	imagesCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	imagesCmd.Flags().BoolP("long", "l", false, "Show index and load address")
	viper.BindPFlag("images.json", imagesCmd.Flags().Lookup("json"))
	viper.BindPFlag("images.long", imagesCmd.Flags().Lookup("long"))
}

// imagesCmd represents the images command
var imagesCmd = &cobra.Command{
	Use:     "images <DSC>",
	Aliases: []string{"ls", "list"},
	Short:   "List the images in a dyld_shared_cache",
	Example: heredoc.Doc(`
		# List every dylib path
		❯ dsc images /System/Volumes/Preboot/Cryptexes/OS/System/Library/dyld/dyld_shared_cache_arm64e
		# Include index and load address
		❯ dsc images -l dyld_shared_cache_arm64e`),
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

		dylibs := dsc.ListImages(f)

		if viper.GetBool("images.json") {
			return printJSON(dylibs)
		}

		for _, d := range dylibs {
			if viper.GetBool("images.long") {
				fmt.Printf("%4d: %s %s\n", d.Index, colorAddr("%#x", d.LoadAddress), d.Name)
			} else {
				fmt.Println(d.Name)
			}
		}

		return nil
	},
}
