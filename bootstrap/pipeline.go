package bootstrap

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"patterndb/core"
	"patterndb/detect"
	"patterndb/storage"
	"patterndb/util/goroutine"
)

// RecordSource yields records until io.EOF.
type RecordSource interface {
	Next() (*core.Record, error)
}

// PipelineOptions controls how a Pipeline drives the engine.
type PipelineOptions struct {
	// Workers processing records concurrently. With more than one the
	// forward stream is no longer in input order.
	Workers int
	// TickInterval between AdvanceTime calls; 0 disables the ticker.
	TickInterval time.Duration
	// RecordTime drives the engine from record timestamps instead of the
	// clock: expired contexts are closed before each record. Requires a
	// single worker.
	RecordTime bool
	// FlushOnEOF closes every live context once the input ends.
	FlushOnEOF bool
	// Linger keeps ticking after the input ends until the context is
	// cancelled.
	Linger bool
	Clock  core.Clock
}

// PipelineStats counts what a pipeline has moved.
type PipelineStats struct {
	Read      uint64 `json:"read"`
	Emitted   uint64 `json:"emitted"`
	Synthetic uint64 `json:"synthetic"`
	Ticks     uint64 `json:"ticks"`
}

// Pipeline moves records from a source through the engine into a sink and
// advances the engine clock.
type Pipeline struct {
	engine *detect.Engine
	sink   storage.Sink
	opts   PipelineOptions
	logger *zap.SugaredLogger

	// serializes engine calls in record time mode
	mu sync.Mutex

	read      atomic.Uint64
	emitted   atomic.Uint64
	synthetic atomic.Uint64
	ticks     atomic.Uint64
}

// NewPipeline creates a pipeline.
func NewPipeline(engine *detect.Engine, sink storage.Sink, opts PipelineOptions, logger *zap.SugaredLogger) *Pipeline {
	if opts.Workers < 1 || opts.RecordTime {
		opts.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	return &Pipeline{engine: engine, sink: sink, opts: opts, logger: logger}
}

// Run consumes src until it ends or ctx is cancelled. A read error other
// than io.EOF is returned after the records already read are processed.
func (p *Pipeline) Run(ctx context.Context, src RecordSource) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tickWg sync.WaitGroup
	tickCtx, stopTicks := context.WithCancel(ctx)
	defer stopTicks()
	if p.opts.TickInterval > 0 && !p.opts.RecordTime {
		tickWg.Add(1)
		go func() {
			defer tickWg.Done()
			defer goroutine.Recover("pipeline-tick", p.logger)
			p.tickLoop(tickCtx)
		}()
	}

	records := make(chan *core.Record, p.opts.Workers*64)
	readErr := make(chan error, 1)
	go func() {
		defer close(records)
		defer goroutine.Recover("pipeline-reader", p.logger)
		readErr <- p.readAll(ctx, src, records)
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer goroutine.Recover("pipeline-worker", p.logger)
			for {
				select {
				case <-ctx.Done():
					return
				case rec, ok := <-records:
					if !ok {
						return
					}
					p.handle(ctx, rec)
				}
			}
		}()
	}
	wg.Wait()

	var err error
	select {
	case err = <-readErr:
	default:
	}

	if ctx.Err() == nil {
		if p.opts.FlushOnEOF {
			p.write(ctx, p.engine.Flush())
		}
		if p.opts.Linger {
			<-ctx.Done()
		}
	}
	stopTicks()
	tickWg.Wait()

	p.logger.Infow("Pipeline finished",
		"read", p.read.Load(),
		"emitted", p.emitted.Load(),
		"synthetic", p.synthetic.Load())
	return err
}

func (p *Pipeline) readAll(ctx context.Context, src RecordSource, out chan<- *core.Record) error {
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			p.logger.Errorw("Input failed", "error", err)
			return err
		}
		p.read.Add(1)
		select {
		case out <- rec:
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, rec *core.Record) {
	if !p.opts.RecordTime {
		p.write(ctx, p.engine.Process(rec))
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := rec.Timestamp
	p.write(ctx, p.engine.AdvanceTime(now))
	p.write(ctx, p.engine.ProcessAt(rec, now))
}

func (p *Pipeline) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx, p.opts.Clock.Now())
		}
	}
}

// Tick advances the engine to now and delivers what expired.
func (p *Pipeline) Tick(ctx context.Context, now time.Time) {
	p.ticks.Add(1)
	p.write(ctx, p.engine.AdvanceTime(now))
}

func (p *Pipeline) write(ctx context.Context, records []*core.Record) {
	if len(records) == 0 {
		return
	}
	for _, r := range records {
		if r.IsSynthetic() {
			p.synthetic.Add(1)
		}
	}
	p.emitted.Add(uint64(len(records)))
	// sinks log their own failures
	_ = p.sink.Write(ctx, records)
}

// GetStats returns the pipeline counters.
func (p *Pipeline) GetStats() PipelineStats {
	return PipelineStats{
		Read:      p.read.Load(),
		Emitted:   p.emitted.Load(),
		Synthetic: p.synthetic.Load(),
		Ticks:     p.ticks.Load(),
	}
}
