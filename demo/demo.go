// Demo for the diffit package: builds the denoising network, reports its size
// and runs a few classifier-free-guided denoising steps over random noise and
// random labels.
//
// Model hyperparameters can be overridden with --set, e.g.:
//
//	go run ./demo --set="image_size=32;diffit_hidden_size=384" --steps=10
package main

import (
	"flag"
	"math/rand/v2"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	diffit "github.com/Koyote059/diffit-reimplementation"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagNumImages = flag.Int("images", 4, "Number of images to denoise.")
	flagNumSteps  = flag.Int("steps", 50, "Number of denoising steps to run.")
	flagGuidance  = flag.Float64("guidance", 4.0, "Classifier-free guidance scale.")
)

func main() {
	ctx := diffit.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	klog.Infof("Backend: %s (%s)", backend.Name(), backend.Description())

	config := diffit.NewConfig(backend, ctx)
	denoiser := config.NewDenoiser(*flagGuidance)

	noisy := config.GenerateNoise(*flagNumImages)
	timesteps := make([]int32, *flagNumImages)
	labels := make([]int32, *flagNumImages)
	for ii := range labels {
		labels[ii] = int32(rand.IntN(config.NumClasses))
	}

	bar := progressbar.Default(int64(*flagNumSteps), "denoising")
	for step := *flagNumSteps; step > 0; step-- {
		for ii := range timesteps {
			timesteps[ii] = int32(step)
		}
		prediction := must.M1(denoiser.Denoise(noisy, timesteps, labels))
		// A full sampler would combine the prediction with a noise schedule;
		// here each prediction simply seeds the next step.
		noisy = prediction
		must.M(bar.Add(1))
	}
	must.M(bar.Finish())

	klog.Infof("Model parameters: %s", humanize.Comma(int64(ctx.NumParameters())))
	klog.Infof("Final prediction shape: %s", noisy.Shape())
}
