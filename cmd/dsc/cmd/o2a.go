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
	rootCmd.AddCommand(offsetToAddrCmd)
	offsetToAddrCmd.Flags().IntP("sub", "s", 0, "Sub-cache index the offset is in (0 is the primary)")
	offsetToAddrCmd.Flags().BoolP("dec", "d", false, "Return address in decimal")
	offsetToAddrCmd.Flags().BoolP("hex", "x", false, "Return address in hexadecimal")
	viper.BindPFlag("o2a.sub", offsetToAddrCmd.Flags().Lookup("sub"))
	viper.BindPFlag("o2a.dec", offsetToAddrCmd.Flags().Lookup("dec"))
	viper.BindPFlag("o2a.hex", offsetToAddrCmd.Flags().Lookup("hex"))
}

// offsetToAddrCmd represents the o2a command
var offsetToAddrCmd = &cobra.Command{
	Use:               "o2a <DSC> <OFFSET>",
	Short:             "Convert dyld_shared_cache offset to address",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeDSC,
	SilenceErrors:     true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := setup()
		if err != nil {
			return err
		}

		inDec := viper.GetBool("o2a.dec")
		inHex := viper.GetBool("o2a.hex")
		if inDec && inHex {
			return fmt.Errorf("you can only use --dec OR --hex")
		}

		off, err := utils.ConvertStrToInt(args[1])
		if err != nil {
			return err
		}

		f, err := openDSC(args[0], conf)
		if err != nil {
			return err
		}
		defer f.Close()

		ai, err := dsc.Offset2Address(f, viper.GetInt("o2a.sub"), off)
		if err != nil {
			return err
		}

		switch {
		case inDec:
			fmt.Printf("%d\n", ai.Address)
		case inHex:
			fmt.Printf("%#x\n", ai.Address)
		default:
			log.WithFields(log.Fields{
				"hex":       fmt.Sprintf("%#x", ai.Address),
				"dec":       fmt.Sprintf("%d", ai.Address),
				"sub_cache": ai.SubCache,
				"image":     ai.Image,
			}).Info("Address")
		}

		return nil
	},
}
