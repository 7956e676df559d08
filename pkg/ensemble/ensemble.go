package ensemble

// Package ensemble combines per-view class scores into one prediction per
// video. At test time a video is scored over several temporal samples and
// spatial crops; views stream in from parallel inference workers and are
// reduced with an order-independent method (max or average).

import (
	"fmt"
	"sort"
	"sync"
)

type Method int

const (
	// MethodAverage takes the arithmetic mean per class across views.
	MethodAverage Method = iota
	// MethodMax takes the maximum per class across views.
	MethodMax
)

func (m Method) String() string {
	switch m {
	case MethodAverage:
		return "average"
	case MethodMax:
		return "max"
	}
	return fmt.Sprintf("Method(%v)", int(m))
}

func ParseMethod(s string) (Method, error) {
	switch s {
	case "average", "avg", "mean":
		return MethodAverage, nil
	case "max":
		return MethodMax, nil
	}
	return 0, fmt.Errorf("Unknown ensemble method '%v'", s)
}

// View is the model's class scores for one (temporal sample, spatial crop)
// view of one video.
type View struct {
	VideoID     string    `json:"videoID"`
	TemporalIdx int       `json:"temporalIdx"`
	SpatialIdx  int       `json:"spatialIdx"`
	Scores      []float32 `json:"scores"`
}

// Prediction is the final per-class score vector for one video.
type Prediction struct {
	VideoID  string    `json:"videoID"`
	NumViews int       `json:"numViews"`
	Scores   []float32 `json:"scores"`
}

// HeterogeneousViewsError reports an attempt to reduce views that do not all
// belong to one video.
type HeterogeneousViewsError struct {
	Want string
	Got  string
}

func (e *HeterogeneousViewsError) Error() string {
	return fmt.Sprintf("views span more than one video: %v and %v", e.Want, e.Got)
}

// Aggregate reduces all views of one video in a single call. It is defined as
// the incremental accumulation of the same views, so batch and one-at-a-time
// aggregation produce identical output.
func Aggregate(views []View, method Method) (Prediction, error) {
	if len(views) == 0 {
		return Prediction{}, fmt.Errorf("No views to aggregate")
	}
	acc := NewAccumulator(views[0].VideoID, method)
	for _, v := range views {
		if err := acc.Add(v); err != nil {
			return Prediction{}, err
		}
	}
	return acc.Finish()
}

// Accumulator reduces the views of one video as they arrive. Add may be called
// from multiple inference workers concurrently; updates are serialized
// internally, and the reduction is permutation-invariant, so arrival order
// does not affect the result.
type Accumulator struct {
	videoID string
	method  Method

	mu       sync.Mutex
	numViews int
	numClass int
	sums     []float64 // MethodAverage: per-class running sum
	maxs     []float32 // MethodMax: per-class running max
}

func NewAccumulator(videoID string, method Method) *Accumulator {
	return &Accumulator{
		videoID: videoID,
		method:  method,
	}
}

func (a *Accumulator) Add(view View) error {
	if view.VideoID != a.videoID {
		return &HeterogeneousViewsError{Want: a.videoID, Got: view.VideoID}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.numViews == 0 {
		a.numClass = len(view.Scores)
		a.sums = make([]float64, a.numClass)
		a.maxs = make([]float32, a.numClass)
		copy(a.maxs, view.Scores)
	} else if len(view.Scores) != a.numClass {
		return fmt.Errorf("View of %v has %v classes, expected %v", view.VideoID, len(view.Scores), a.numClass)
	}
	for i, s := range view.Scores {
		a.sums[i] += float64(s)
		if s > a.maxs[i] {
			a.maxs[i] = s
		}
	}
	a.numViews++
	return nil
}

// Finish returns the reduced prediction. The accumulator remains usable; more
// views may be added and Finish called again.
func (a *Accumulator) Finish() (Prediction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.numViews == 0 {
		return Prediction{}, fmt.Errorf("No views accumulated for %v", a.videoID)
	}
	scores := make([]float32, a.numClass)
	switch a.method {
	case MethodAverage:
		for i, s := range a.sums {
			scores[i] = float32(s / float64(a.numViews))
		}
	case MethodMax:
		copy(scores, a.maxs)
	default:
		return Prediction{}, fmt.Errorf("Unknown ensemble method %v", a.method)
	}
	return Prediction{
		VideoID:  a.videoID,
		NumViews: a.numViews,
		Scores:   scores,
	}, nil
}

// Collector routes streaming views to a per-video accumulator, for inference
// runs that interleave views of many videos.
type Collector struct {
	method Method

	mu   sync.Mutex
	accs map[string]*Accumulator
}

func NewCollector(method Method) *Collector {
	return &Collector{
		method: method,
		accs:   map[string]*Accumulator{},
	}
}

func (c *Collector) Add(view View) error {
	c.mu.Lock()
	acc := c.accs[view.VideoID]
	if acc == nil {
		acc = NewAccumulator(view.VideoID, c.method)
		c.accs[view.VideoID] = acc
	}
	c.mu.Unlock()
	return acc.Add(view)
}

// Finish reduces every video seen so far, sorted by video ID.
func (c *Collector) Finish() ([]Prediction, error) {
	c.mu.Lock()
	accs := make([]*Accumulator, 0, len(c.accs))
	for _, acc := range c.accs {
		accs = append(accs, acc)
	}
	c.mu.Unlock()
	sort.Slice(accs, func(i, j int) bool { return accs[i].videoID < accs[j].videoID })
	preds := make([]Prediction, 0, len(accs))
	for _, acc := range accs {
		p, err := acc.Finish()
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}
