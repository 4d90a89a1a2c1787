package diffit

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GuidedDenoiseGraph predicts noise with classifier-free guidance: the network
// is evaluated once on a doubled batch -- the given labels followed by the
// null label -- and the conditional and unconditional noise predictions of the
// first 3 channels are blended as
//
//	uncond + guidanceScale·(cond - uncond)
//
// Channels beyond the first 3 (e.g. a learned variance) are not blended: the
// conditional prediction is kept as is.
//
// The result keeps the doubled batch layout of the underlying evaluation, with
// the blended noise repeated in both halves, so callers can slice either half.
//
// guidanceScale 1 reproduces the plain conditional prediction; 0 the
// unconditional one.
func (c *Config) GuidedDenoiseGraph(ctx *context.Context, x, t, y *Node, guidanceScale float64) *Node {
	g := x.Graph()
	batchSize := x.Shape().Dimensions[0]

	nulls := BroadcastToDims(Const(g, c.NullLabel()), batchSize)
	x = Concatenate([]*Node{x, x}, 0)
	t = Concatenate([]*Node{t, t}, 0)
	y = Concatenate([]*Node{ConvertDType(y, nulls.DType()), nulls}, 0)

	output := c.UNetGraph(ctx, x, t, y)
	channels := output.Shape().Dimensions[1]
	numGuided := min(guidedChannels, channels)

	eps := Slice(output, AxisRange(), AxisRange(0, numGuided))
	condEps := Slice(eps, AxisRange(0, batchSize))
	uncondEps := Slice(eps, AxisRange(batchSize, 2*batchSize))
	halfEps := Add(uncondEps, MulScalar(Sub(condEps, uncondEps), guidanceScale))
	eps = Concatenate([]*Node{halfEps, halfEps}, 0)

	if channels > numGuided {
		rest := Slice(output, AxisRange(), AxisRange(numGuided, channels))
		eps = Concatenate([]*Node{eps, rest}, 1)
	}
	return eps
}

// Denoiser wraps a compiled classifier-free-guided denoising step, ready to be
// called repeatedly from a sampling loop with host tensors.
type Denoiser struct {
	config        *Config
	guidanceScale float64
	exec          *context.Exec
}

// NewDenoiser compiles the guided denoising graph for repeated execution.
// The graph is JIT-compiled once per distinct input shape on first use.
func (c *Config) NewDenoiser(guidanceScale float64) *Denoiser {
	// The graph evaluates the network on a doubled batch in one pass, so
	// variable reuse checks are disabled.
	ctx := c.Context.Checked(false)
	exec := context.NewExec(c.Backend, ctx,
		func(ctx *context.Context, x, t, y *Node) *Node {
			batchSize := x.Shape().Dimensions[0]
			guided := c.GuidedDenoiseGraph(ctx, x, t, y, guidanceScale)
			// Both halves of the doubled batch hold the same blended
			// prediction; return the first.
			return Slice(guided, AxisRange(0, batchSize))
		})
	return &Denoiser{
		config:        c,
		guidanceScale: guidanceScale,
		exec:          exec,
	}
}

// Denoise runs one guided denoising step on the host tensors: noisy images
// shaped [batchSize, InputChannels, ImageSize, ImageSize], with one timestep
// and one label per image. It returns the blended noise prediction for the
// original (not doubled) batch, with the same shape as noisy.
//
// Labels outside [0, NumClasses] return an error wrapping ErrValueDomain. The
// null label (NumClasses) is a valid input: it requests an unconditional
// prediction in the conditional half as well. Graph building or execution
// failures are returned as errors.
func (d *Denoiser) Denoise(noisy *tensors.Tensor, timesteps []int32, labels []int32) (*tensors.Tensor, error) {
	c := d.config
	batchSize := noisy.Shape().Dimensions[0]
	if len(timesteps) != batchSize || len(labels) != batchSize {
		return nil, errors.Wrapf(ErrShapeMismatch,
			"got %d images, %d timesteps and %d labels, want one timestep and one label per image",
			batchSize, len(timesteps), len(labels))
	}
	for ii, label := range labels {
		if label < 0 || label > c.NullLabel() {
			return nil, errors.Wrapf(ErrValueDomain,
				"label #%d is %d, valid labels are in [0, %d]", ii, label, c.NullLabel())
		}
	}

	klog.V(1).Infof("Denoising %d images with guidance scale %g", batchSize, d.guidanceScale)
	var prediction *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		prediction = d.exec.Call(noisy,
			tensors.FromValue(timesteps), tensors.FromValue(labels))[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "while denoising images")
	}
	return prediction, nil
}

// GenerateNoise samples numImages of standard gaussian noise shaped
// [numImages, InputChannels, ImageSize, ImageSize], the starting point of the
// reverse diffusion process.
func (c *Config) GenerateNoise(numImages int) *tensors.Tensor {
	return NewExec(c.Backend, func(g *Graph) *Node {
		state := Const(g, RngState())
		_, noise := RandomNormal(state,
			shapes.Make(c.DType, numImages, c.InputChannels, c.ImageSize, c.ImageSize))
		return noise
	}).Call()[0]
}
