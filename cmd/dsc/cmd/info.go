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

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/dsc/internal/commands/dsc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	infoCmd.Flags().BoolP("dylibs", "l", false, "Also list the images and their load addresses")
	viper.BindPFlag("info.json", infoCmd.Flags().Lookup("json"))
	viper.BindPFlag("info.dylibs", infoCmd.Flags().Lookup("dylibs"))
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <DSC>",
	Short: "Display dyld_shared_cache header, mappings and sub-caches",
	Example: heredoc.Doc(`
		# Print the header
		❯ dsc info dyld_shared_cache_arm64e
		# Everything as JSON, with the image list
		❯ dsc info dyld_shared_cache_arm64e --json --dylibs`),
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

		if viper.GetBool("info.json") {
			info := struct {
				*dsc.Info
				Dylibs []dsc.Dylib `json:"dylibs,omitempty"`
			}{Info: dsc.GetInfo(f)}
			if viper.GetBool("info.dylibs") {
				info.Dylibs = dsc.ListImages(f)
			}
			return printJSON(info)
		}

		fmt.Println(f.CacheHeader.String())
		fmt.Println(colorImage("Mappings"))
		if err := f.PrintMappings(os.Stdout); err != nil {
			return err
		}
		if len(f.SubCaches.Caches) > 1 {
			fmt.Println()
			fmt.Println(colorImage("Sub-Caches"))
			if err := f.PrintSubCaches(os.Stdout); err != nil {
				return err
			}
		}
		if viper.GetBool("info.dylibs") {
			fmt.Println()
			fmt.Println(colorImage("Images"))
			for _, img := range f.Images {
				fmt.Println(img)
			}
		}

		return nil
	},
}
