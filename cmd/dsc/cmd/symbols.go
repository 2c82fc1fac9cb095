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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(symbolsCmd)
	symbolsCmd.Flags().StringP("module", "m", "", "Only list symbols of this image")
	symbolsCmd.Flags().BoolP("locals", "l", false, "Include unmapped local symbols")
	symbolsCmd.Flags().StringP("pattern", "p", "", "Only list symbols matching this regex")
	symbolsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	viper.BindPFlag("symbols.module", symbolsCmd.Flags().Lookup("module"))
	viper.BindPFlag("symbols.locals", symbolsCmd.Flags().Lookup("locals"))
	viper.BindPFlag("symbols.pattern", symbolsCmd.Flags().Lookup("pattern"))
	viper.BindPFlag("symbols.json", symbolsCmd.Flags().Lookup("json"))
}

// symbolsCmd represents the symbols command
var symbolsCmd = &cobra.Command{
	Use:     "symbols <DSC>",
	Aliases: []string{"syms"},
	Short:   "List the symbols of one or every image",
	Example: heredoc.Doc(`
		# List the symbols of libsystem_c
		❯ dsc symbols dyld_shared_cache_arm64e -m libsystem_c.dylib
		# Find every symbol starting with _objc_msgSend (including locals)
		❯ dsc symbols dyld_shared_cache_arm64e --locals --pattern '^_objc_msgSend'`),
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

		var results []dsc.ImageSymbols
		image := viper.GetString("symbols.module")
		var step func()
		stop := func() {}
		if len(image) == 0 {
			step, stop = imageProgress(len(f.Images))
		}

		if err := interruptible(func(ctx context.Context) (err error) {
			results, err = dsc.GetSymbols(ctx, f, dsc.SymbolOptions{
				Options: dsc.Options{
					Image:    image,
					Workers:  conf.Workers,
					Progress: step,
				},
				Pattern: viper.GetString("symbols.pattern"),
				Locals:  viper.GetBool("symbols.locals"),
			})
			return err
		}); err != nil {
			stop()
			return err
		}
		stop()

		if viper.GetBool("symbols.json") {
			return printJSON(results)
		}

		for _, res := range results {
			for _, sym := range res.Symbols {
				fmt.Printf("%s\t%s %s\t%s\n",
					colorAddr("%#016x", sym.Address),
					colorKind(fmt.Sprintf("%-9s", sym.Type)),
					colorName(sym.Name),
					colorFaint(sym.Image),
				)
			}
			for _, e := range res.Errors {
				utils.Indent(log.Warn, 2)(colorError(e))
			}
		}

		return nil
	},
}
