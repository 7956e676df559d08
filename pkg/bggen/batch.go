package bggen

import (
	"sync"
	"time"
)

// SourceRef identifies one video in a batch job.
type SourceRef struct {
	ID   string
	Path string
}

// BatchResult summarizes a batch generation run. Errors is keyed by source ID.
type BatchResult struct {
	OK      int
	Skipped int
	Failed  int
	Errors  map[string]error
	Elapsed time.Duration
}

// GenerateBatch runs Generate over many videos on numWorkers workers.
// Estimation passes for different videos are independent: each Generate call
// owns its own estimator state, so workers share nothing but the job queue.
// A failed video is logged and recorded, and the batch continues; one corrupt
// file must not kill an overnight dataset run.
func (g *Generator) GenerateBatch(sources []SourceRef, numWorkers int) BatchResult {
	start := time.Now()
	if numWorkers < 1 {
		numWorkers = 1
	}
	jobs := make(chan SourceRef)
	result := BatchResult{Errors: map[string]error{}}
	resultLock := sync.Mutex{}

	wg := sync.WaitGroup{}
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				artifact, err := g.Generate(job.ID, job.Path)
				resultLock.Lock()
				if err != nil {
					g.log.Errorf("Failed to generate background video for %v: %v", job.ID, err)
					result.Failed++
					result.Errors[job.ID] = err
				} else if artifact.Skipped {
					result.Skipped++
				} else {
					result.OK++
				}
				resultLock.Unlock()
			}
		}()
	}
	for _, s := range sources {
		jobs <- s
	}
	close(jobs)
	wg.Wait()

	result.Elapsed = time.Since(start)
	g.log.Infof("Background generation complete: %v generated, %v skipped, %v failed, in %.1fs",
		result.OK, result.Skipped, result.Failed, result.Elapsed.Seconds())
	return result
}
