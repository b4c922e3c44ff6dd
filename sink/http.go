package sink

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/avct/uasurfer"
	"github.com/click-stream/tracker/common"
	"github.com/devopsext/utils"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

var log = utils.GetLog()

var sinkRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tracker_sink_requests",
	Help: "Count of all sink requests",
}, []string{"tracker_sink_url"})

type HttpSinkOptions struct {
	Listen string
	Tls    bool
	Cert   string
	Key    string
	Chain  string
	URLv1  string
	Cors   bool
}

// HttpSink is a local collector for development, it never stores anything.
type HttpSink struct {
	options HttpSinkOptions
}

func SetupCors(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, Cookie")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
}

func (s *HttpSink) logAgent(agent string) {

	if utils.IsEmpty(agent) {
		return
	}

	ua := uasurfer.Parse(agent)
	if ua == nil {

		log.Warn("Can't parse user agent")
		return
	}

	log.Debug("Agent => %s %d.%d.%d on %s %d.%d.%d (%s)",
		ua.Browser.Name.StringTrimPrefix(), ua.Browser.Version.Major, ua.Browser.Version.Minor, ua.Browser.Version.Patch,
		ua.OS.Name.StringTrimPrefix(), ua.OS.Version.Major, ua.OS.Version.Minor, ua.OS.Version.Patch,
		ua.DeviceType.StringTrimPrefix())
}

func (s *HttpSink) HandleHttpRequest(w http.ResponseWriter, r *http.Request) {

	requestVariables := mux.Vars(r)

	if s.options.Cors {

		SetupCors(w, r)
		if r.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
	}

	var body []byte

	if r.Body != nil {

		if data, err := io.ReadAll(r.Body); err == nil {
			body = data
		}
	}

	if len(body) == 0 {

		log.Error("Empty body")
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	log.Debug("Body => %s", body)

	supportedTypes := []interface{}{"application/json", "application/x-base64"}
	contentType := r.Header.Get("Content-Type")

	if !utils.Contains(supportedTypes, contentType) {

		log.Error("Content-Type=%s, expect %s", contentType, supportedTypes)
		http.Error(w, "invalid Content-Type", http.StatusUnsupportedMediaType)
		return
	}

	if contentType == "application/x-base64" {

		data := make([]byte, base64.StdEncoding.DecodedLen(len(body)))

		l, err := base64.StdEncoding.Decode(data, body)

		if err != nil {
			log.Error("Expect application/x-base64")
			http.Error(w, "invalid Content-Type", http.StatusUnsupportedMediaType)
			return
		}

		body = data[:l]
	}

	var batch *common.Batch

	err := json.Unmarshal(body, &batch)
	if err != nil {
		log.Error("Can't unmarshal batch: %v", err)
		http.Error(w, fmt.Sprintf("could not unmarshal batch: %v", err), http.StatusBadRequest)
		return
	}

	if batch == nil || batch.Version != common.V1 {

		log.Error("Version is not supported")
		http.Error(w, "unsupported version", http.StatusBadRequest)
		return
	}

	s.logAgent(r.Header.Get("User-Agent"))

	for _, event := range batch.Events {

		if event == nil {
			continue
		}

		bytes, err := json.Marshal(event)
		if err != nil {
			log.Error(err)
			continue
		}
		log.Debug("Event => %s", string(bytes))
	}

	if idValue, exist := requestVariables["id"]; exist {
		log.Info("Received %d events (property: %s)", len(batch.Events), idValue)
	} else {
		log.Info("Received %d events", len(batch.Events))
	}

	if _, err := w.Write([]byte("OK\n")); err != nil {

		log.Error("Can't write response: %v", err)
		http.Error(w, fmt.Sprintf("could not write response: %v", err), http.StatusInternalServerError)
		return
	}
}

func (s *HttpSink) Start(wg *sync.WaitGroup) {

	wg.Add(1)

	go func(wg *sync.WaitGroup) {

		defer wg.Done()

		log.Info("Start http sink...")

		var caPool *x509.CertPool
		var certificates []tls.Certificate

		if s.options.Tls {

			// load certificate
			var cert []byte
			if _, err := os.Stat(s.options.Cert); err == nil {

				cert, err = os.ReadFile(s.options.Cert)
				if err != nil {
					log.Panic(err)
				}
			} else {
				cert = []byte(s.options.Cert)
			}

			// load key
			var key []byte
			if _, err := os.Stat(s.options.Key); err == nil {

				key, err = os.ReadFile(s.options.Key)
				if err != nil {
					log.Panic(err)
				}
			} else {
				key = []byte(s.options.Key)
			}

			// make pair from certificate and pair
			pair, err := tls.X509KeyPair(cert, key)
			if err != nil {
				log.Panic(err)
			}

			certificates = append(certificates, pair)

			// load CA chain
			var chain []byte
			if _, err := os.Stat(s.options.Chain); err == nil {

				chain, err = os.ReadFile(s.options.Chain)
				if err != nil {
					log.Panic(err)
				}
			} else {
				chain = []byte(s.options.Chain)
			}

			// make pool of chains
			caPool = x509.NewCertPool()
			if !caPool.AppendCertsFromPEM(chain) {
				log.Debug("CA chain is invalid")
			}
		}

		router := mux.NewRouter()

		if !utils.IsEmpty(s.options.URLv1) {

			router.HandleFunc(s.options.URLv1, func(w http.ResponseWriter, r *http.Request) {
				sinkRequests.WithLabelValues(r.URL.Path).Inc()
				s.HandleHttpRequest(w, r)
			})

			router.HandleFunc(s.options.URLv1+"/{id:[a-z0-9]{8,8}}", func(w http.ResponseWriter, r *http.Request) {
				sinkRequests.WithLabelValues(r.URL.Path).Inc()
				s.HandleHttpRequest(w, r)
			})
		}

		listener, err := net.Listen("tcp", s.options.Listen)
		if err != nil {
			log.Panic(err)
		}

		log.Info("Http sink is up. Listening...")

		srv := &http.Server{Handler: router}

		if s.options.Tls {

			srv.TLSConfig = &tls.Config{
				Certificates: certificates,
				RootCAs:      caPool,
			}

			err = srv.ServeTLS(listener, "", "")
			if err != nil {
				log.Panic(err)
			}
		} else {
			err = srv.Serve(listener)
			if err != nil {
				log.Panic(err)
			}
		}

	}(wg)
}

func NewHttpSink(options HttpSinkOptions) *HttpSink {

	if utils.IsEmpty(options.Listen) {
		log.Debug("Sink listen address is not defined. Skipped.")
		return nil
	}

	return &HttpSink{
		options: options,
	}
}

func init() {
	prometheus.Register(sinkRequests)
}
