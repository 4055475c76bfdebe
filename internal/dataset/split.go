package dataset

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
	"go.uber.org/zap"

	apperrors "github.com/Brownie44l1/plant-disease-api/internal/errors"
)

const (
	TrainDir = "train"
	ValDir   = "val"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

type Options struct {
	Source   string
	Output   string
	ValRatio float64
	Seed     int64
	Workers  int

	// Progress receives per-class progress bars. Nil disables them.
	Progress io.Writer
}

// ClassSplit is the outcome for one class folder. Train and Val hold file
// names relative to the class folder.
type ClassSplit struct {
	Class   string
	Train   []string
	Val     []string
	Skipped bool
}

type Splitter struct {
	opts Options
	log  *zap.Logger
}

func NewSplitter(opts Options, log *zap.Logger) (*Splitter, error) {
	if opts.Source == "" {
		return nil, apperrors.New(apperrors.KindConfig, "split", "source directory is required")
	}
	if opts.Output == "" {
		return nil, apperrors.New(apperrors.KindConfig, "split", "output directory is required")
	}
	if filepath.Clean(opts.Source) == filepath.Clean(opts.Output) {
		return nil, apperrors.New(apperrors.KindConfig, "split", "output directory must differ from source")
	}
	if opts.ValRatio <= 0 || opts.ValRatio >= 1 {
		return nil, apperrors.Newf(apperrors.KindConfig, "split", "val ratio must be in (0, 1), got %g", opts.ValRatio)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Splitter{opts: opts, log: log}, nil
}

// Run splits every class folder under Source into Output/train and
// Output/val. Classes are handled in name order. Source is only read.
func (s *Splitter) Run(ctx context.Context) ([]ClassSplit, error) {
	classes, err := ListClasses(s.opts.Source)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{TrainDir, ValDir} {
		if err := os.MkdirAll(filepath.Join(s.opts.Output, dir), 0o755); err != nil {
			return nil, apperrors.Wrap(apperrors.KindStorage, "split", "failed to create output directory", err)
		}
	}

	var progress *mpb.Progress
	if s.opts.Progress != nil {
		progress = mpb.NewWithContext(ctx,
			mpb.WithOutput(s.opts.Progress),
			mpb.WithWidth(60),
			mpb.WithRefreshRate(180*time.Millisecond),
		)
	}

	results := make([]ClassSplit, 0, len(classes))
	for _, class := range classes {
		result, err := s.splitClass(ctx, class, progress)
		if err != nil {
			if progress != nil {
				progress.Wait()
			}
			return results, err
		}
		results = append(results, result)
	}

	if progress != nil {
		progress.Wait()
	}

	return results, nil
}

func (s *Splitter) splitClass(ctx context.Context, class string, progress *mpb.Progress) (ClassSplit, error) {
	files, err := ListImages(filepath.Join(s.opts.Source, class))
	if err != nil {
		return ClassSplit{}, err
	}

	if len(files) < 2 {
		s.log.Warn("skipping class with too few images",
			zap.String("class", class),
			zap.Int("images", len(files)),
		)
		return ClassSplit{Class: class, Skipped: true}, nil
	}

	train, val := Partition(files, s.opts.ValRatio, s.opts.Seed)

	var jobs []copyJob
	for _, set := range []struct {
		dir   string
		files []string
	}{{TrainDir, train}, {ValDir, val}} {
		dst := filepath.Join(s.opts.Output, set.dir, class)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return ClassSplit{}, apperrors.Wrap(apperrors.KindStorage, "split", "failed to create class directory", err)
		}
		for _, name := range set.files {
			jobs = append(jobs, copyJob{
				src: filepath.Join(s.opts.Source, class, name),
				dst: filepath.Join(dst, name),
			})
		}
	}

	var bar *mpb.Bar
	if progress != nil {
		bar = progress.AddBar(int64(len(jobs)),
			mpb.PrependDecorators(
				decor.Name(class, decor.WC{W: 32, C: decor.DidentRight}),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
	}

	if err := s.copyAll(ctx, jobs, bar); err != nil {
		if bar != nil {
			bar.Abort(false)
		}
		return ClassSplit{}, apperrors.Wrap(apperrors.KindStorage, "split", fmt.Sprintf("failed to copy class %s", class), err)
	}

	s.log.Info("class split",
		zap.String("class", class),
		zap.Int("train", len(train)),
		zap.Int("val", len(val)),
	)

	return ClassSplit{Class: class, Train: train, Val: val}, nil
}

type copyJob struct {
	src string
	dst string
}

// copyAll copies jobs on a worker pool. The first failure stops jobs that
// have not started yet.
func (s *Splitter) copyAll(ctx context.Context, jobs []copyJob, bar *mpb.Bar) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		firstErr error
	)

	wp := workerpool.New(s.opts.Workers)
	for _, job := range jobs {
		wp.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			if err := copyFile(job.src, job.dst); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
				return
			}
			if bar != nil {
				bar.Increment()
			}
		})
	}
	wp.StopWait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Partition shuffles files with a source seeded by seed and splits them.
// The val side gets ceil(ratio*n) files, bounded so both sides keep at least
// one file when n >= 2. Callers should pass files in a stable order.
func Partition(files []string, ratio float64, seed int64) (train, val []string) {
	n := len(files)
	nVal := ValCount(n, ratio)

	perm := rand.New(rand.NewSource(seed)).Perm(n)

	val = make([]string, 0, nVal)
	train = make([]string, 0, n-nVal)
	for i, j := range perm {
		if i < nVal {
			val = append(val, files[j])
		} else {
			train = append(train, files[j])
		}
	}

	return train, val
}

func ValCount(n int, ratio float64) int {
	if n < 2 {
		return 0
	}
	// the epsilon keeps exact products like 0.2*5 from rounding up
	v := int(math.Ceil(ratio*float64(n) - 1e-9))
	return min(max(v, 1), n-1)
}

// ListClasses returns the names of the subdirectories of dir, sorted.
func ListClasses(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, "split", fmt.Sprintf("failed to read source %s", dir), err)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	return classes, nil
}

// ListImages returns the image file names in dir, sorted.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, "split", fmt.Sprintf("failed to read class %s", dir), err)
	}

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
