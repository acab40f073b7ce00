// Package transform runs the pipeline's optional visual-work stage:
// pass-through, multi-view composite, or segmentation overlay.
package transform

import (
	"context"
	"log/slog"

	"github.com/tvpipe/tvpipe/internal/media"
	"github.com/tvpipe/tvpipe/internal/queue"
	"github.com/tvpipe/tvpipe/internal/transform/composite"
	"github.com/tvpipe/tvpipe/internal/transform/segmentation"
)

// Variant is what every transform implementation exposes to the stage.
type Variant string

const (
	VariantNone         Variant = "none"
	VariantComposite    Variant = "composite"
	VariantSegmentation Variant = "segmentation"
)

// Composer is the narrow surface the composite variant needs: fold up to
// four synchronized pictures into one canvas. *composite.Variant satisfies
// this; tests substitute a fake that never touches libav.
type Composer interface {
	Compose(inputs [4]*media.RawPicture) (*media.RawPicture, error)
}

// Stage pulls decoded pictures and applies the configured transform before
// pushing onward to Encode. For VariantComposite, In holds up to four
// synchronized input queues (main.Ingress/Decode chains feeding one
// composite output); for the other variants only In[0] is used.
type Stage struct {
	variant   Variant
	in        []*queue.BoundedQueue[*media.RawPicture]
	out       *queue.BoundedQueue[*media.RawPicture]
	logger    *slog.Logger
	composite Composer
	segment   *segmentation.Variant
}

// Config selects and configures the active variant.
type Config struct {
	Variant      Variant
	MainIndex    int // composite only
	Segmentation segmentation.Config
	Model        segmentation.Inferer // nil uses the heuristic fallback only

	// NewComposite builds the Composer for VariantComposite. Defaults to
	// composite.NewVariant; tests override it, which is how the black-box
	// scenario tests under internal/pipeline exercise a 4-input composite
	// fan-in without a real scaler.
	NewComposite func(mainIndex int) Composer
}

// New creates a transform Stage. in[0] is always the primary input queue;
// in[1], in[2] and in[3] are only read for VariantComposite.
func New(cfg Config, in []*queue.BoundedQueue[*media.RawPicture], out *queue.BoundedQueue[*media.RawPicture], logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NewComposite == nil {
		cfg.NewComposite = func(mainIndex int) Composer { return composite.NewVariant(mainIndex) }
	}
	s := &Stage{variant: cfg.Variant, in: in, out: out, logger: logger}
	switch cfg.Variant {
	case VariantComposite:
		s.composite = cfg.NewComposite(cfg.MainIndex)
	case VariantSegmentation:
		s.segment = segmentation.NewVariant(cfg.Segmentation, cfg.Model)
	}
	return s
}

// Run drives the transform loop until every input queue is stopped and
// drained.
func (s *Stage) Run(ctx context.Context) error {
	defer s.out.Stop()

	switch s.variant {
	case VariantComposite:
		return s.runComposite(ctx)
	case VariantSegmentation:
		return s.runSingle(ctx, s.applySegmentation)
	default:
		return s.runSingle(ctx, func(pic *media.RawPicture) (*media.RawPicture, error) { return pic, nil })
	}
}

func (s *Stage) runSingle(ctx context.Context, apply func(*media.RawPicture) (*media.RawPicture, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pic, ok := s.in[0].Pop()
		if !ok {
			return nil
		}
		out, err := apply(pic)
		if err != nil {
			s.logger.Warn("transform failed, dropping picture", slog.Any("error", err))
			pic.Release()
			continue
		}
		if out != pic {
			pic.Release()
		}
		if !s.out.Push(out) {
			out.Release()
		}
	}
}

func (s *Stage) applySegmentation(pic *media.RawPicture) (*media.RawPicture, error) {
	return s.segment.Apply(pic)
}

// runComposite pulls one picture from each configured input queue per
// tick and composes them, stopping once every input queue has stopped and
// drained. Each queue is popped in lockstep, so inputs are assumed
// synchronized at the Ingress/Decode level; a queue that stops before the
// others simply drops out of the composite (its region repeats whatever
// composite.Variant last scaled for that slot, via Variant's own
// last-scaled-region cache), rather than this stage tracking repeats
// itself, since BoundedQueue has no non-blocking peek to detect "this
// tick's input just hasn't arrived yet" versus "this source is done".
func (s *Stage) runComposite(ctx context.Context) error {
	dead := [4]bool{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var inputs [4]*media.RawPicture
		liveCount := 0
		for i := 0; i < 4 && i < len(s.in); i++ {
			if s.in[i] == nil || dead[i] {
				continue
			}
			pic, ok := s.in[i].Pop()
			if !ok {
				dead[i] = true
				continue
			}
			inputs[i] = pic
			liveCount++
		}
		if liveCount == 0 {
			return nil
		}

		out, err := s.composite.Compose(inputs)
		for _, pic := range inputs {
			if pic != nil {
				pic.Release()
			}
		}
		if err != nil {
			s.logger.Warn("composite failed, dropping tick", slog.Any("error", err))
			continue
		}
		if !s.out.Push(out) {
			out.Release()
		}
	}
}
