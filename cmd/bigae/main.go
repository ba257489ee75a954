// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// bigae reconstructs an image with a BigAE model: it encodes the image into the latent space and decodes it
// back.
//
// Usage:
//
//	bigae [flags] input.png [output.png]
//
// The output defaults to "xout.png". The weights of the preset are resolved with the ckpt package, see its
// documentation for the environment variables configuring where they are downloaded from.
package main

import (
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/bigae/models/bigae"
	"github.com/gomlx/bigae/pkg/ckpt"
	"github.com/gomlx/bigae/pkg/torchload"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
	"golang.org/x/image/webp"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

// DefaultOutput is the output file used when none is given.
const DefaultOutput = "xout.png"

var (
	flagPreset = flag.String("preset", "animals",
		fmt.Sprintf("Pretrained model to use, one of %q.", bigae.Presets()))
	flagWeights = flag.String("weights", "", "Path to a PyTorch/safetensors weights file or GoMLX checkpoint "+
		"directory to load instead of resolving the preset's weights. The preset still defines the model configuration.")
	flagNonStrict = flag.Bool("non_strict", false, "Load PyTorch weights even if they don't match the model "+
		"exactly: variables missing from the file keep their initial values, and unused entries are ignored.")
	flagSample         = flag.Bool("sample", false, "Decode a sample of the latent distribution, instead of its mode.")
	flagSummary        = flag.Bool("summary", false, "Display a summary of the model and a table of its variables.")
	flagSaveCheckpoint = flag.String("save_checkpoint", "", "If set, saves the loaded model as a GoMLX checkpoint in this directory.")
	flagExport         = flag.String("export", "", "If set, exports the loaded model weights to this .safetensors file.")
	flagCacheDir       = flag.String("cache_dir", "", fmt.Sprintf("Directory where downloaded weights are cached. "+
		"Defaults to $%s or %q.", ckpt.CacheDirEnv, ckpt.DefaultCacheDir))
)

func init() {
	// Experimental webp decoder, so webp images can be used as inputs.
	image.RegisterFormat("webp", "RIFF????WEBP", webp.Decode, webp.DecodeConfig)
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] input.png [output.png]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing input image. See 'bigae -help'.")
		os.Exit(1)
	}
	if len(args) > 2 {
		klog.Errorf("Too many arguments. See 'bigae -help'.")
		os.Exit(1)
	}
	output := DefaultOutput
	if len(args) == 2 {
		output = args[1]
	}
	if err := run(args[0], output); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func run(input, output string) error {
	backend, err := backends.New()
	if err != nil {
		return err
	}
	defer backend.Finalize()

	model, err := loadModel(backend)
	if err != nil {
		return err
	}
	if *flagSummary {
		summary(model)
	}
	if *flagSaveCheckpoint != "" {
		if err := model.SaveCheckpoint(*flagSaveCheckpoint); err != nil {
			return err
		}
		klog.Infof("Checkpoint saved to %q", *flagSaveCheckpoint)
	}
	if *flagExport != "" {
		if err := model.ExportWeights(*flagExport); err != nil {
			return err
		}
		klog.Infof("Weights exported to %q", *flagExport)
	}

	config := model.Config()
	x, err := readImage(backend, input, config.InSize, config.InWidth)
	if err != nil {
		return err
	}
	posterior, err := model.Encode(x)
	if err != nil {
		return err
	}
	latent := posterior.Mode()
	if *flagSample {
		latent, err = posterior.Sample()
		if err != nil {
			return err
		}
	}
	reconstructed, err := model.Decode(latent)
	if err != nil {
		return err
	}
	if err := writeImage(backend, reconstructed, output); err != nil {
		return err
	}
	klog.Infof("Reconstruction of %q written to %q", input, output)
	return nil
}

// loadModel builds the preset model, with its weights either resolved (and downloaded if needed) or loaded
// from -weights.
func loadModel(backend backends.Backend) (*bigae.BigAE, error) {
	var loadOptions []torchload.Option
	if *flagNonStrict {
		loadOptions = append(loadOptions, torchload.WithStrict(false))
	}
	if *flagWeights == "" {
		options := []bigae.Option{bigae.WithLoadOptions(loadOptions...)}
		if *flagCacheDir != "" {
			registry, err := ckpt.NewRegistry(*flagCacheDir)
			if err != nil {
				return nil, err
			}
			options = append(options, bigae.WithResolver(registry.WithProgressBar(true)))
		}
		return bigae.FromPretrained(backend, *flagPreset, options...)
	}

	config, err := bigae.PresetConfig(*flagPreset)
	if err != nil {
		return nil, err
	}
	model, err := bigae.New(backend, config)
	if err != nil {
		return nil, err
	}
	if err := model.LoadWeights(*flagWeights, loadOptions...); err != nil {
		return nil, err
	}
	model.Eval()
	return model, nil
}

// readImage loads the image file, resizes it to the model input size and converts it to a [1, 3, height, width]
// tensor with values in [-1, 1].
func readImage(backend backends.Backend, path string, height, width int) (*tensors.Tensor, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", path)
	}
	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		klog.V(1).Infof("Resizing %q from %dx%d to %dx%d", path, bounds.Dx(), bounds.Dy(), width, height)
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}
	// ToTensor yields [1, height, width, 3] with values in [0, 1].
	pixels := images.ToTensor(dtypes.Float32).Batch([]image.Image{img})
	defer pixels.FinalizeAll()
	return ExecOnce(backend, func(x *Node) *Node {
		x = TransposeAllDims(x, 0, 3, 1, 2)
		return AddScalar(MulScalar(x, 2), -1)
	}, pixels)
}

// writeImage converts the [1, 3, height, width] reconstruction in [-1, 1] to a PNG (or any format supported by
// imaging, given the file extension).
func writeImage(backend backends.Backend, reconstructed *tensors.Tensor, path string) error {
	pixels, err := ExecOnce(backend, func(x *Node) *Node {
		x = TransposeAllDims(x, 0, 2, 3, 1)
		// (x+1)*127.5, clamped to [0, 255].
		return ClipScalar(MulScalar(AddScalar(x, 1), 127.5), 0, 255)
	}, reconstructed)
	if err != nil {
		return err
	}
	defer pixels.FinalizeAll()
	img := images.ToImage().MaxValue(255).Batch(pixels)[0]
	return errors.Wrapf(imaging.Save(img, path), "failed to write image %q", path)
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// summary prints the model configuration and sizes, followed by a table with its variables.
func summary(model *bigae.BigAE) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("preset", *flagPreset)
	table.Row("config", model.Config().String())
	table.Row("# parameters", humanize.Comma(int64(model.NumParameters())))
	table.Row("# bytes", humanize.IBytes(uint64(model.Memory())))
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Variables"))
	table = newPlainTable(true)
	table.Row("Scope", "Name", "Shape", "Size", "Bytes")
	var rows [][]string
	for v := range model.Context().IterVariables() {
		shape := v.Shape()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.IBytes(uint64(shape.Memory())),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
