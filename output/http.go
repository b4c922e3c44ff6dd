package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/click-stream/tracker/common"
	"github.com/devopsext/utils"
	"github.com/prometheus/client_golang/prometheus"
)

var httpOutputCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tracker_http_output_count",
	Help: "Count of all events sent to the http collector",
}, []string{"tracker_http_output_url"})

type HttpDispatcherOptions struct {
	URL     string
	Timeout int
}

type HttpDispatcher struct {
	options HttpDispatcherOptions
	client  *http.Client
}

func (h *HttpDispatcher) Send(events []*common.Event) error {

	batch := common.NewBatchV1(events)

	data, err := json.Marshal(batch)
	if err != nil {
		log.Error(err)
		return err
	}

	log.Debug("Batch to collector (url: %s) => %s", h.options.URL, string(data))

	response, err := h.client.Post(h.options.URL, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("collector replied with status %d", response.StatusCode)
	}

	httpOutputCount.WithLabelValues(h.options.URL).Add(float64(len(events)))

	return nil
}

func NewHttpDispatcher(options HttpDispatcherOptions) *HttpDispatcher {

	if utils.IsEmpty(options.URL) {

		log.Debug("Collector url is not defined. Skipped.")
		return nil
	}

	if options.Timeout <= 0 {
		options.Timeout = 10
	}

	return &HttpDispatcher{
		options: options,
		client:  &http.Client{Timeout: time.Second * time.Duration(options.Timeout)},
	}
}

func init() {
	prometheus.Register(httpOutputCount)
}
