package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chaos-io/removebg/config"
	"github.com/chaos-io/removebg/rembg"
	"github.com/chaos-io/removebg/util"
)

const outputSuffix = "_sem_fundo.png"

type rootOptions struct {
	configPath    string
	output        string
	model         string
	noAlpha       bool
	noPostProcess bool
	maxSize       int
	listModels    bool
	verbose       bool
}

// app 命令共用的依赖，测试时替换推理引擎
type app struct {
	newEngine engineFactory
	stdout    io.Writer
	stderr    io.Writer
}

func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{newEngine: buildEngine, stdout: os.Stdout, stderr: os.Stderr}
	return a.execute(ctx, os.Args[1:])
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	util.Sync()
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "removebg [input]",
		Short: "Remove the background from images",
		Long: `removebg removes the background from a single image or from every image in a directory.

A file input writes <name>` + outputSuffix + ` next to it; a directory input writes into <dir>_output.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.verbose {
				return util.InitLogger("debug")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.listModels {
				printModels(cmd.OutOrStdout())
				return nil
			}
			if len(args) == 0 {
				_ = cmd.Usage()
				return errors.New("input path is required")
			}
			return a.runRemove(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log processing details")
	root.Flags().StringVarP(&opts.output, "output", "o", "", "Output file (single image) or directory (batch)")
	root.Flags().StringVarP(&opts.model, "model", "m", rembg.DefaultHighQualityModel.String(), "Model: "+strings.Join(rembg.ModelNames(), ", "))
	root.Flags().BoolVar(&opts.noAlpha, "no-alpha-matting", false, "Disable alpha matting")
	root.Flags().BoolVar(&opts.noPostProcess, "no-post-process", false, "Disable mask post-processing")
	root.Flags().IntVar(&opts.maxSize, "max-size", 0, "Downscale so the longest side is at most N pixels (0 keeps the original size)")
	root.Flags().BoolVar(&opts.listModels, "list-models", false, "List available models")

	root.AddCommand(a.newServeCmd(opts))
	return root
}

func printModels(w io.Writer) {
	fmt.Fprintln(w, "Available models:")
	for _, m := range rembg.Models() {
		fmt.Fprintf(w, "  %-18s %s\n", m.Model, m.Description)
	}
}

func (o *rootOptions) params() (rembg.Params, error) {
	model, err := rembg.ParseModel(o.model)
	if err != nil {
		return rembg.Params{}, err
	}
	return rembg.Params{
		Model:        model,
		AlphaMatting: !o.noAlpha,
		PostProcess:  !o.noPostProcess,
		MaxDimension: o.maxSize,
	}, nil
}

func (a *app) runRemove(ctx context.Context, out io.Writer, input string, opts *rootOptions) error {
	// 先校验模型，避免无效参数时加载引擎
	params, err := opts.params()
	if err != nil {
		return err
	}

	info, err := os.Stat(input)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("input not found: %s", input)
		}
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	engine, err := a.newEngine(cfg, util.Logger)
	if err != nil {
		return err
	}
	defer closeEngine(engine)

	registry := rembg.NewRegistry(engine, rembg.WithLogger(util.Logger))
	defer func() {
		_ = registry.Close()
	}()

	if info.IsDir() {
		runner := rembg.NewRunner(registry, rembg.WithLogger(util.Logger))
		return processDir(ctx, out, runner, input, opts.output, params)
	}
	pipeline := rembg.NewPipeline(registry, rembg.WithLogger(util.Logger))
	return processFile(ctx, out, pipeline, input, opts.output, params)
}

func outputName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base)) + outputSuffix
}

func processFile(ctx context.Context, out io.Writer, pipeline *rembg.Pipeline, input, output string, params rembg.Params) error {
	if output == "" {
		output = filepath.Join(filepath.Dir(input), outputName(input))
	}

	defer util.Trace("process " + input)()

	img, err := rembg.FileItem(input).Load(params.MaxDimension)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Processing %s with %s...\n", input, params.Model)
	res, err := pipeline.RemoveBackground(ctx, img, params)
	if err != nil {
		return err
	}

	if err := util.WriteFileAtomic(output, res.EncodePNG); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	fmt.Fprintf(out, "Saved: %s\n", output)
	return nil
}

func processDir(ctx context.Context, out io.Writer, runner *rembg.Runner, input, outputDir string, params rembg.Params) error {
	if outputDir == "" {
		outputDir = filepath.Clean(input) + "_output"
	}

	files, err := util.ListFiles(input, rembg.IsSupportedFile)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintf(out, "No images found in %s\n", input)
		return nil
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	items := make([]rembg.Item, len(files))
	for i, f := range files {
		items[i] = rembg.FileItem(f)
	}

	fmt.Fprintf(out, "Processing %d image(s) with %s...\n", len(items), params.Model)
	report, err := runner.Run(ctx, rembg.Job{
		Items:  items,
		Params: params,
		Sink: func(_ context.Context, _ int, item rembg.Item, res *rembg.Result) error {
			return util.WriteFileAtomic(filepath.Join(outputDir, outputName(item.Ref())), res.EncodePNG)
		},
		Progress: func(p rembg.Progress) {
			name := filepath.Base(p.Item.Ref())
			if p.Err != nil {
				fmt.Fprintf(out, "[ERROR] %s: %v\n", name, p.Err)
				return
			}
			fmt.Fprintf(out, "[%d/%d] %s -> %s\n", p.Index+1, p.Total, name, outputName(name))
		},
	})
	if report != nil {
		fmt.Fprintf(out, "%d image(s) processed in %s\n", report.Succeeded, outputDir)
	}
	return err
}

func closeEngine(engine rembg.Engine) {
	c, ok := engine.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		util.Logger.Warn("failed to close engine", zap.Error(err))
	}
}
