package viz

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
)

// viewedWindow is how long a bucket keeps refreshing after its page or an
// image in it was last requested.
const viewedWindow = time.Second

type ImageContainer struct {
	name string
	data []byte
}

func (i *ImageContainer) Name() string {
	return i.name
}

func (i *ImageContainer) Data() []byte {
	return i.data
}

type Producer interface {
	Name() string
	GetImage() *ImageContainer
	AddPlotOption(opt PlotOptions)
}

// Server renders registered producers on a timer while someone is looking at
// them and serves the latest images over http.
type Server struct {
	images          map[string]map[string]*ImageContainer
	mu              sync.RWMutex
	srv             *http.Server
	producerBuckets map[string]map[string]Producer
	updateInterval  time.Duration
	enabled         bool
	lastViewed      map[string]time.Time
}

func NewServer(port int, updateInterval time.Duration) *Server {
	if updateInterval <= 0 {
		updateInterval = 500 * time.Millisecond
	}
	s := &Server{
		images:          make(map[string]map[string]*ImageContainer),
		producerBuckets: make(map[string]map[string]Producer),
		lastViewed:      make(map[string]time.Time),
		srv:             &http.Server{Addr: fmt.Sprintf(":%d", port)},
		updateInterval:  updateInterval,
		enabled:         true,
	}
	s.srv.Handler = s.Handler()
	return s
}

func (s *Server) Enable(enable bool) {
	s.mu.Lock()
	s.enabled = enable
	s.mu.Unlock()
}

func (s *Server) interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updateInterval
}

func (s *Server) Register(key string, p Producer) {
	s.mu.Lock()
	bucket, ok := s.producerBuckets[key]
	if !ok {
		bucket = make(map[string]Producer)
		s.producerBuckets[key] = bucket
	}
	bucket[p.Name()] = p
	s.mu.Unlock()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Refresh renders every producer in buckets viewed within the last second.
// Producers with nothing to show keep their previous image.
func (s *Server) Refresh() {
	s.mu.RLock()
	if !s.enabled {
		s.mu.RUnlock()
		return
	}
	type job struct {
		bucket string
		p      Producer
	}
	var jobs []job
	for bucketName, bucket := range s.producerBuckets {
		if time.Since(s.lastViewed[bucketName]) >= viewedWindow {
			continue
		}
		for _, producer := range bucket {
			jobs = append(jobs, job{bucketName, producer})
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(bucket string, p Producer) {
			defer wg.Done()

			img := p.GetImage()
			if img == nil {
				return
			}
			s.mu.Lock()
			mb, ok := s.images[bucket]
			if !ok {
				mb = make(map[string]*ImageContainer)
				s.images[bucket] = mb
			}
			mb[img.name] = img
			s.mu.Unlock()
		}(j.bucket, j.p)
	}
	wg.Wait()
}

func (s *Server) markViewed(bucket string) {
	s.mu.Lock()
	s.lastViewed[bucket] = time.Now()
	s.mu.Unlock()
}

// Run refreshes images until ctx is done and serves http until Stop is called.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval()):
				s.Refresh()
			}
		}
	}()

	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Handler() http.Handler {
	handler := httprouter.New()
	handler.GET("/", s.handleIndex)
	handler.GET("/view/:bucket", s.handleView)
	handler.GET("/img/:bucket/:img", s.handleImage)
	return handler
}

func (s *Server) sortedBuckets() []string {
	keys := make([]string, 0, len(s.producerBuckets))
	for key := range s.producerBuckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.RLock()
	keys := s.sortedBuckets()
	s.mu.RUnlock()
	if len(keys) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Location", "/view/"+url.PathEscape(keys[0]))
	w.WriteHeader(http.StatusFound)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	bucket := params.ByName("bucket")

	s.mu.RLock()
	itemsForBucket, ok := s.producerBuckets[bucket]
	var items []string
	for key := range itemsForBucket {
		items = append(items, key)
	}
	buckets := s.sortedBuckets()
	interval := s.updateInterval
	s.mu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sort.Strings(items)

	s.markViewed(bucket)

	w.Header().Add("Content-Type", "text/html")
	w.Write([]byte(`<html><head><title>Phasemeter</title></head>`))

	w.Write([]byte(fmt.Sprintf(`
		<script type="text/javascript">
			var toggleRefresh = true;
			function toggleOn() {
				toggleRefresh = !toggleRefresh;
			}

			function changeBucket() {
				var val = document.getElementById('bucketSelector').value;
				window.location.href = '/view/' + val;
			}
			window.onload = function() {
				for (var i = 0; i < %d; i++) {
					var img = document.getElementById('graph-' + i);
					setInterval(function(image) {
						if (toggleRefresh) {
							image.src = image.src.split("?")[0] + "?" + new Date().getTime();
						}
					}, %d, img);
				}
			}
		</script>`, len(items), interval.Milliseconds())))
	w.Write([]byte(`<body style='background-color: black'>`))

	w.Write([]byte(`<select id="bucketSelector" onchange="changeBucket()">`))
	for _, bucketName := range buckets {
		selected := ""
		if bucketName == bucket {
			selected = " selected"
		}
		w.Write([]byte(fmt.Sprintf(`<option value="%s"%s>%s</option>`, bucketName, selected, bucketName)))
	}
	w.Write([]byte(`</select>`))
	w.Write([]byte(`<button onclick="toggleOn()">Refresh?</button>`))

	w.Write([]byte(`<div style="display: flex; flex-direction: row; flex-wrap: wrap">`))
	for idx, key := range items {
		w.Write([]byte(fmt.Sprintf(`<div><img id="graph-%d" src="/img/%s/%s?%d" /></div>`,
			idx, url.PathEscape(bucket), url.PathEscape(key), time.Now().UnixMicro())))
	}
	w.Write([]byte(`</div>`))

	w.Write([]byte(`</body></html>`))
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	bucketName := params.ByName("bucket")
	s.markViewed(bucketName)

	s.mu.RLock()
	img, ok := s.images[bucketName][params.ByName("img")]
	s.mu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Add("Content-Type", "image/png")
	w.Write(img.data)
}
