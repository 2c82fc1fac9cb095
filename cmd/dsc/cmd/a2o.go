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

	"github.com/apex/log"
	"github.com/blacktop/dsc/internal/commands/dsc"
	"github.com/blacktop/dsc/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(addrToOffsetCmd)
	addrToOffsetCmd.Flags().BoolP("dec", "d", false, "Return offset in decimal")
	addrToOffsetCmd.Flags().BoolP("hex", "x", false, "Return offset in hexadecimal")
	viper.BindPFlag("a2o.dec", addrToOffsetCmd.Flags().Lookup("dec"))
	viper.BindPFlag("a2o.hex", addrToOffsetCmd.Flags().Lookup("hex"))
}

// addrToOffsetCmd represents the a2o command
var addrToOffsetCmd = &cobra.Command{
	Use:               "a2o <DSC> <ADDR>",
	Short:             "Convert dyld_shared_cache address to offset",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeDSC,
	SilenceErrors:     true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := setup()
		if err != nil {
			return err
		}

		inDec := viper.GetBool("a2o.dec")
		inHex := viper.GetBool("a2o.hex")
		if inDec && inHex {
			return fmt.Errorf("you can only use --dec OR --hex")
		}

		addr, err := utils.ConvertStrToInt(args[1])
		if err != nil {
			return err
		}

		f, err := openDSC(args[0], conf)
		if err != nil {
			return err
		}
		defer f.Close()

		ai, err := dsc.Address2Offset(f, addr)
		if err != nil {
			return err
		}

		switch {
		case inDec:
			fmt.Printf("%d\n", ai.Offset)
		case inHex:
			fmt.Printf("%#x\n", ai.Offset)
		default:
			log.WithFields(log.Fields{
				"hex":       fmt.Sprintf("%#x", ai.Offset),
				"dec":       fmt.Sprintf("%d", ai.Offset),
				"sub_cache": ai.SubCache,
				"image":     ai.Image,
			}).Info("Offset")
		}

		return nil
	},
}
