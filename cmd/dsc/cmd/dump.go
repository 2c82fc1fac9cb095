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
	"io"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/dsc/internal/commands/dsc"
	"github.com/blacktop/dsc/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().Uint64P("size", "s", 0, "Size of data in bytes (default 256)")
	dumpCmd.Flags().StringP("output", "o", "", "Write the raw bytes to a file")
	viper.BindPFlag("dump.size", dumpCmd.Flags().Lookup("size"))
	viper.BindPFlag("dump.output", dumpCmd.Flags().Lookup("output"))
}

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:   "dump <DSC> <ADDR> [SIZE]",
	Short: "Dump data at given virtual address",
	Example: heredoc.Doc(`
		# Hexdump 256 bytes at an address
		❯ dsc dump dyld_shared_cache_arm64e 0x180028000
		# Save 4KB to a file
		❯ dsc dump dyld_shared_cache_arm64e 0x180028000 0x1000 -o page.bin`),
	Args:              cobra.RangeArgs(2, 3),
	ValidArgsFunction: completeDSC,
	SilenceErrors:     true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := setup()
		if err != nil {
			return err
		}

		addr, err := utils.ConvertStrToInt(args[1])
		if err != nil {
			return err
		}

		size := uint64(conf.Dump.Size)
		if len(args) > 2 {
			size, err = utils.ConvertStrToInt(args[2])
			if err != nil {
				return err
			}
		}
		if size == 0 {
			return fmt.Errorf("size must be greater than 0")
		}

		f, err := openDSC(args[0], conf)
		if err != nil {
			return err
		}
		defer f.Close()

		if outFile := viper.GetString("dump.output"); len(outFile) > 0 {
			if err := f.AddressSpace().Check(addr, size); err != nil {
				return err
			}
			o, err := os.Create(outFile)
			if err != nil {
				return errors.Wrapf(err, "failed to create %s", outFile)
			}
			defer o.Close()
			if _, err := io.Copy(o, f.NewReader(addr, size)); err != nil {
				return errors.Wrapf(err, "failed to write %s", outFile)
			}
			log.WithFields(log.Fields{
				"addr": fmt.Sprintf("%#x", addr),
				"size": humanize.Bytes(size),
			}).Infof("Wrote data to file %s", outFile)
			return nil
		}

		dat, err := dsc.Dump(f, addr, size)
		if err != nil {
			return err
		}
		fmt.Print(utils.HexDump(dat, addr))

		return nil
	},
}
