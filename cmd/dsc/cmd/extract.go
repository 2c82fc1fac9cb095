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
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringP("output", "o", "", "Output file (default is the dylib's base name)")
	extractCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")
	viper.BindPFlag("extract.output", extractCmd.Flags().Lookup("output"))
	viper.BindPFlag("extract.force", extractCmd.Flags().Lookup("force"))
}

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract <DSC> <DYLIB>",
	Short: "Extract a dylib from a dyld_shared_cache into a standalone Mach-O",
	Example: heredoc.Doc(`
		# Extract libsystem_c into the current directory
		❯ dsc extract dyld_shared_cache_arm64e libsystem_c.dylib
		# Extract to a specific path
		❯ dsc extract dyld_shared_cache_arm64e /usr/lib/libobjc.A.dylib -o /tmp/libobjc.dylib`),
	Args:              cobra.ExactArgs(2),
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

		image, err := f.Image(args[1])
		if err != nil {
			if image, err = f.FindImageByName(args[1]); err != nil {
				return err
			}
		}

		outPath := viper.GetString("extract.output")
		if len(outPath) == 0 {
			outPath = filepath.Base(image.Name)
		}
		if _, err := os.Stat(outPath); err == nil && !viper.GetBool("extract.force") {
			return fmt.Errorf("%s already exists (use --force to overwrite)", outPath)
		}

		log.WithField("image", image.Name).Debug("Extracting")
		n, err := f.ExtractTo(image, outPath)
		if err != nil {
			return err
		}

		log.WithFields(log.Fields{
			"path": outPath,
			"size": humanize.Bytes(uint64(n)),
		}).Info("Extracted")

		return nil
	},
}
