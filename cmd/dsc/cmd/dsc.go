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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/apex/log"
	"github.com/blacktop/dsc/internal/colors"
	"github.com/blacktop/dsc/internal/config"
	"github.com/blacktop/dsc/pkg/dyld"
	"github.com/caarlos0/ctrlc"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

var colorAddr = colors.FaintHiBlue().SprintfFunc()
var colorKind = colors.HiMagenta().SprintFunc()
var colorName = colors.Bold().SprintFunc()
var colorImage = colors.BoldHiYellow().SprintFunc()
var colorFaint = colors.Faint().SprintFunc()
var colorError = colors.HiRed().SprintFunc()

func getDSCs(path string) []string {
	matches, err := filepath.Glob(filepath.Join(path, "dyld_shared_cache*"))
	if err != nil {
		return nil
	}
	return matches
}

func completeDSC(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) != 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return getDSCs(toComplete), cobra.ShellCompDirectiveDefault
}

// setup applies the global flags every command honours.
func setup() (*config.Config, error) {
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}
	if viper.IsSet("color") {
		force := viper.GetBool("color")
		colors.Init(&force)
	}

	conf, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"dump.size":    conf.Dump.Size,
		"cache.images": conf.Cache.Images,
		"workers":      conf.Workers,
	}).Debug("Config")

	return conf, nil
}

// resolveDSC follows a symlinked cache path to the real primary file so that
// its sub-caches are found next to it.
func resolveDSC(path string) (string, error) {
	dscPath := filepath.Clean(path)

	fileInfo, err := os.Lstat(dscPath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat %s", dscPath)
	}

	// Check if file is a symlink
	if fileInfo.Mode()&os.ModeSymlink != 0 {
		symlinkPath, err := os.Readlink(dscPath)
		if err != nil {
			return "", errors.Wrapf(err, "failed to read symlink %s", dscPath)
		}
		if !filepath.IsAbs(symlinkPath) {
			symlinkPath = filepath.Join(filepath.Dir(dscPath), symlinkPath)
		}
		log.WithField("target", symlinkPath).Debug("Following symlink")
		dscPath = filepath.Clean(symlinkPath)
	}

	return dscPath, nil
}

func openDSC(path string, conf *config.Config) (*dyld.File, error) {
	dscPath, err := resolveDSC(path)
	if err != nil {
		return nil, err
	}
	f, err := dyld.Open(dscPath, dyld.WithImageCacheSize(conf.Cache.Images))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func printJSON(v any) error {
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) error {
	dat, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	if colors.Enabled() {
		return quick.Highlight(w, string(dat)+"\n", "json", "terminal256", "nord")
	}
	_, err = fmt.Fprintln(w, string(dat))
	return err
}

// imageProgress draws a bar on stderr while a query walks every image. The
// returned stop func must be called once the query is done.
func imageProgress(total int) (step func(), stop func()) {
	if total < 2 || viper.GetBool("verbose") || !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil, func() {}
	}
	p := mpb.New(mpb.WithWidth(80), mpb.WithOutput(os.Stderr))
	name := "images"
	bar := p.New(int64(total),
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name), C: decor.DindentRight | decor.DextraSpace}),
			decor.OnComplete(
				decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done",
			),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("%d/%d"),
			decor.Name(" ] "),
		),
	)
	return bar.Increment, func() {
		bar.Abort(true)
		p.Wait()
	}
}

// interruptible runs fn until it returns or the user hits ^C. The cache is
// still mapped by the running queries so an interrupt exits right away.
func interruptible(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrlc.Default.Run(ctx, func() error {
		return fn(ctx)
	}); err != nil {
		if errors.As(err, &ctrlc.ErrorCtrlC{}) {
			log.Warn("Exiting...")
			os.Exit(1)
		}
		return err
	}

	return nil
}
