package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ariannamethod/embedit/internal/config"
	"github.com/ariannamethod/embedit/internal/imageio"
	"github.com/ariannamethod/embedit/internal/logutil"
	"github.com/ariannamethod/embedit/internal/pipeline"
)

// genFlags are the generation overrides shared by the rendering commands.
type genFlags struct {
	out      string
	strength float64
	scale    float32
	steps    int
	height   int
	width    int
	seed     int64
}

func (f *genFlags) register(cmd *cobra.Command, defaultStrength float64) {
	fs := cmd.Flags()
	fs.StringVar(&f.out, "out", "", "output key (defaults to config output)")
	fs.Float64Var(&f.strength, "strength", defaultStrength, "prior strength in [0, 1]")
	fs.Float32Var(&f.scale, "scale", 1, "multiplier for the edit direction")
	fs.IntVar(&f.steps, "steps", 0, "decoder steps")
	fs.IntVar(&f.height, "height", 0, "output height")
	fs.IntVar(&f.width, "width", 0, "output width")
	fs.Int64Var(&f.seed, "seed", 0, "sampling seed")
}

// apply copies explicitly set flags over cfg and revalidates it.
func (f *genFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	fs := cmd.Flags()
	if fs.Changed("out") {
		cfg.Output = f.out
	}
	if fs.Changed("strength") {
		cfg.Generation.Strength = f.strength
	}
	if fs.Changed("scale") {
		cfg.Generation.Scale = f.scale
	}
	if fs.Changed("steps") {
		cfg.Generation.Steps = f.steps
	}
	if fs.Changed("height") {
		cfg.Generation.Height = f.height
	}
	if fs.Changed("width") {
		cfg.Generation.Width = f.width
	}
	if fs.Changed("seed") {
		cfg.Generation.Seed = f.seed
	}
	return cfg.Validate()
}

func overrideString(cmd *cobra.Command, name string, dst *string, v string) {
	if cmd.Flags().Changed(name) {
		*dst = v
	}
}

func newEditCmd(opts *rootOptions) *cobra.Command {
	var (
		gen                   genFlags
		before, after, target string
		prompt                string
	)
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "transfer the before→after change onto a target image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			overrideString(cmd, "before", &cfg.Inputs.Before, before)
			overrideString(cmd, "after", &cfg.Inputs.After, after)
			overrideString(cmd, "target", &cfg.Inputs.Target, target)
			if err := gen.apply(cmd, cfg); err != nil {
				return err
			}
			ctx := cmd.Context()

			imgs, err := imageio.LoadAll(ctx, cfg.Inputs.Before, cfg.Inputs.After, cfg.Inputs.Target)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.editor.Edit(ctx, pipeline.EditRequest{
				Before:   imgs[0],
				After:    imgs[1],
				Target:   imgs[2],
				Prompt:   prompt,
				Strength: cfg.Generation.Strength,
			})
			if err != nil {
				return err
			}
			_, err = writePNG(ctx, a.sink, cfg.Output, res.Image)
			return err
		},
	}
	gen.register(cmd, 0.1)
	cmd.Flags().StringVar(&before, "before", "", "reference image without the edit")
	cmd.Flags().StringVar(&after, "after", "", "reference image with the edit")
	cmd.Flags().StringVar(&target, "target", "", "image to edit")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt passed to the prior with the target")
	return cmd
}

func newGuideCmd(opts *rootOptions) *cobra.Command {
	var (
		gen    genFlags
		prompt string
		img    string
	)
	cmd := &cobra.Command{
		Use:   "guide",
		Short: "re-embed an image under a text prompt and render it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			// guide uses its own strength default rather than the edit one.
			cfg.Generation.Strength = gen.strength
			if err := gen.apply(cmd, cfg); err != nil {
				return err
			}
			path := cfg.Inputs.Before
			if img != "" {
				path = img
			}
			ctx := cmd.Context()

			source, err := imageio.Load(path)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.editor.Guide(ctx, pipeline.GuideRequest{
				Prompt:   prompt,
				Image:    source,
				Strength: cfg.Generation.Strength,
			})
			if err != nil {
				return err
			}
			_, err = writePNG(ctx, a.sink, cfg.Output, res.Image)
			return err
		},
	}
	gen.register(cmd, 0.7)
	cmd.Flags().StringVar(&prompt, "prompt", "neon lights", "guiding prompt")
	cmd.Flags().StringVar(&img, "image", "", "source image (defaults to the config before image)")
	return cmd
}

func newDirectionCmd(opts *rootOptions) *cobra.Command {
	var before, after, out string
	cmd := &cobra.Command{
		Use:   "direction",
		Short: "compute and save the edit direction of a before/after pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			overrideString(cmd, "before", &cfg.Inputs.Before, before)
			overrideString(cmd, "after", &cfg.Inputs.After, after)
			ctx := cmd.Context()

			imgs, err := imageio.LoadAll(ctx, cfg.Inputs.Before, cfg.Inputs.After)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			dir, err := a.editor.Direction(ctx, imgs[0], imgs[1])
			if err != nil {
				return err
			}
			_, err = writeDirection(ctx, a.sink, out, dir, map[string]string{
				"before": cfg.Inputs.Before,
				"after":  cfg.Inputs.After,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "reference image without the edit")
	cmd.Flags().StringVar(&after, "after", "", "reference image with the edit")
	cmd.Flags().StringVar(&out, "out", "edit_direction.safetensors", "output key for the direction")
	return cmd
}

func newApplyCmd(opts *rootOptions) *cobra.Command {
	var (
		gen       genFlags
		direction string
		target    string
		prompt    string
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "apply a saved edit direction to a target image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			overrideString(cmd, "target", &cfg.Inputs.Target, target)
			if err := gen.apply(cmd, cfg); err != nil {
				return err
			}
			ctx := cmd.Context()

			dir, err := readDirection(direction)
			if err != nil {
				return err
			}
			logutil.GetLogger(ctx).Info("direction loaded", zap.String("path", direction), zap.Ints("shape", dir.Shape))
			source, err := imageio.Load(cfg.Inputs.Target)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.editor.ApplyEdit(ctx, dir, source, prompt, cfg.Generation.Strength)
			if err != nil {
				return err
			}
			_, err = writePNG(ctx, a.sink, cfg.Output, res.Image)
			return err
		},
	}
	gen.register(cmd, 0.1)
	cmd.Flags().StringVar(&direction, "direction", "", "safetensors file written by the direction command")
	cmd.Flags().StringVar(&target, "target", "", "image to edit")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt passed to the prior with the target")
	_ = cmd.MarkFlagRequired("direction")
	return cmd
}
