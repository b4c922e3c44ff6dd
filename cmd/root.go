package cmd

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"sync"
	"syscall"

	"github.com/click-stream/tracker/common"
	"github.com/click-stream/tracker/output"
	"github.com/click-stream/tracker/sink"
	"github.com/click-stream/tracker/storage"
	"github.com/click-stream/tracker/tracker"

	utils "github.com/devopsext/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var VERSION = "unknown"

var log = utils.GetLog()
var env = utils.GetEnvironment()

type rootOptions struct {
	LogFormat   string
	LogLevel    string
	LogTemplate string

	PrometheusURL    string
	PrometheusListen string
}

var rootOpts = rootOptions{

	LogFormat:   env.Get("TRACKER_LOG_FORMAT", "text").(string),
	LogLevel:    env.Get("TRACKER_LOG_LEVEL", "info").(string),
	LogTemplate: env.Get("TRACKER_LOG_TEMPLATE", "{{.func}} [{{.line}}]: {{.msg}}").(string),

	PrometheusURL:    env.Get("TRACKER_PROMETHEUS_URL", "/metrics").(string),
	PrometheusListen: env.Get("TRACKER_PROMETHEUS_LISTEN", "127.0.0.1:8080").(string),
}

var trackerOptions = tracker.Options{

	SiteID:           env.Get("TRACKER_SITE_ID", "1").(string),
	Language:         env.Get("TRACKER_LANGUAGE", "en").(string),
	BatchSize:        env.Get("TRACKER_BATCH_SIZE", tracker.DefaultBatchSize).(int),
	DispatchInterval: env.Get("TRACKER_DISPATCH_INTERVAL", tracker.DefaultDispatchInterval).(int),
}

var httpDispatcherOptions = output.HttpDispatcherOptions{

	URL:     env.Get("TRACKER_COLLECTOR_URL", "").(string),
	Timeout: env.Get("TRACKER_COLLECTOR_TIMEOUT", 10).(int),
}

var kafkaDispatcherOptions = output.KafkaDispatcherOptions{

	Brokers:            env.Get("TRACKER_KAFKA_BROKERS", "").(string),
	ClientID:           env.Get("TRACKER_KAFKA_CLIENT_ID", "tracker_kafka").(string),
	Topic:              env.Get("TRACKER_KAFKA_TOPIC", "events.v1").(string),
	FlushFrequency:     env.Get("TRACKER_KAFKA_FLUSH_FREQUENCY", 1).(int),
	FlushMaxMessages:   env.Get("TRACKER_KAFKA_FLUSH_MAX_MESSAGES", 100).(int),
	NetMaxOpenRequests: env.Get("TRACKER_KAFKA_NET_MAX_OPEN_REQUESTS", 5).(int),
	NetDialTimeout:     env.Get("TRACKER_KAFKA_NET_DIAL_TIMEOUT", 30).(int),
	NetReadTimeout:     env.Get("TRACKER_KAFKA_NET_READ_TIMEOUT", 30).(int),
	NetWriteTimeout:    env.Get("TRACKER_KAFKA_NET_WRITE_TIMEOUT", 30).(int),
}

var sinkOptions = sink.HttpSinkOptions{

	Listen: env.Get("TRACKER_SINK_LISTEN", ":8081").(string),
	Tls:    env.Get("TRACKER_SINK_TLS", false).(bool),
	Cert:   env.Get("TRACKER_SINK_CERT", "").(string),
	Key:    env.Get("TRACKER_SINK_KEY", "").(string),
	Chain:  env.Get("TRACKER_SINK_CHAIN", "").(string),
	URLv1:  env.Get("TRACKER_SINK_URL_V1", "/v1").(string),
	Cors:   env.Get("TRACKER_SINK_CORS_ENABLE", false).(bool),
}

var queuePath = env.Get("TRACKER_QUEUE_PATH", "").(string)
var statePath = env.Get("TRACKER_STATE_PATH", "tracker-state.json").(string)

func startMetrics(wg *sync.WaitGroup) {

	wg.Add(1)

	go func(wg *sync.WaitGroup) {

		defer wg.Done()

		log.Info("Start metrics...")

		http.Handle(rootOpts.PrometheusURL, promhttp.Handler())

		listener, err := net.Listen("tcp", rootOpts.PrometheusListen)
		if err != nil {
			log.Panic(err)
		}

		log.Info("Metrics are up. Listening...")

		err = http.Serve(listener, nil)
		if err != nil {
			log.Panic(err)
		}

	}(wg)
}

func interceptSyscall() {

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGKILL)
	go func() {
		<-c
		log.Info("Exiting...")
		os.Exit(1)
	}()
}

func makeQueue() common.Queue {

	if utils.IsEmpty(queuePath) {
		return storage.NewMemoryQueue()
	}

	queue, err := storage.NewSqliteQueue(queuePath)
	if err != nil {
		log.Panic(err)
	}
	return queue
}

func makeDispatcher() common.Dispatcher {

	if !utils.IsEmpty(kafkaDispatcherOptions.Brokers) {

		kafkaDispatcher := output.NewKafkaDispatcher(kafkaDispatcherOptions)
		if kafkaDispatcher == nil {
			log.Panic("Kafka dispatcher is invalid. Terminating...")
		}
		return kafkaDispatcher
	}

	httpDispatcher := output.NewHttpDispatcher(httpDispatcherOptions)
	if httpDispatcher == nil {
		log.Panic("Http dispatcher is invalid. Terminating...")
	}
	return httpDispatcher
}

func Execute() {

	rootCmd := &cobra.Command{
		Use:   "tracker",
		Short: "Tracker",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {

			log.CallInfo = true
			log.Init(rootOpts.LogFormat, rootOpts.LogLevel, rootOpts.LogTemplate)

		},
	}

	var sendViews []string
	var sendEvents []string

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Track views/events and dispatch them once",
		Run: func(cmd *cobra.Command, args []string) {

			log.Info("Booting...")

			queue := makeQueue()
			if closer, ok := queue.(io.Closer); ok {
				defer closer.Close()
			}

			t, err := tracker.NewTracker(trackerOptions, queue, makeDispatcher(), storage.NewFileStateStore(statePath))
			if err != nil {
				log.Panic(err)
			}

			for _, view := range sendViews {
				t.TrackView(strings.Split(view, "/"), "")
			}

			for _, event := range sendEvents {

				parts := strings.Split(event, "/")
				if len(parts) < 2 {
					log.Error("Event %s is invalid, expect category/action[/name]", event)
					continue
				}
				name := ""
				if len(parts) > 2 {
					name = parts[2]
				}
				t.TrackEvent(parts[0], parts[1], name, nil)
			}

			t.Dispatch()

			if err := t.Close(); err != nil {
				log.Error(err)
			}
		},
	}

	sendCmd.Flags().StringSliceVar(&sendViews, "view", sendViews, "View path, segments separated by / (repeatable)")
	sendCmd.Flags().StringSliceVar(&sendEvents, "event", sendEvents, "Event as category/action[/name] (repeatable)")

	sinkCmd := &cobra.Command{
		Use:   "sink",
		Short: "Run a local debug collector",
		Run: func(cmd *cobra.Command, args []string) {

			log.Info("Booting...")

			var wg sync.WaitGroup

			startMetrics(&wg)

			httpSink := sink.NewHttpSink(sinkOptions)

			if reflect.ValueOf(httpSink).IsNil() {
				log.Panic("Http sink is invalid. Terminating...")
			}

			httpSink.Start(&wg)

			wg.Wait()
		},
	}

	flags := rootCmd.PersistentFlags()

	flags.StringVar(&rootOpts.LogFormat, "log-format", rootOpts.LogFormat, "Log format: json, text, stdout")
	flags.StringVar(&rootOpts.LogLevel, "log-level", rootOpts.LogLevel, "Log level: info, warn, error, debug, panic")
	flags.StringVar(&rootOpts.LogTemplate, "log-template", rootOpts.LogTemplate, "Log template")

	flags.StringVar(&rootOpts.PrometheusURL, "prometheus-url", rootOpts.PrometheusURL, "Prometheus endpoint url")
	flags.StringVar(&rootOpts.PrometheusListen, "prometheus-listen", rootOpts.PrometheusListen, "Prometheus listen")

	flags.StringVar(&trackerOptions.SiteID, "site-id", trackerOptions.SiteID, "Site id")
	flags.StringVar(&trackerOptions.Language, "language", trackerOptions.Language, "Accept language")
	flags.IntVar(&trackerOptions.BatchSize, "batch-size", trackerOptions.BatchSize, "Dispatch batch size")
	flags.IntVar(&trackerOptions.DispatchInterval, "dispatch-interval", trackerOptions.DispatchInterval, "Dispatch retry interval in seconds")

	flags.StringVar(&queuePath, "queue-path", queuePath, "Sqlite queue path, empty for in-memory queue")
	flags.StringVar(&statePath, "state-path", statePath, "State file path")

	flags.StringVar(&httpDispatcherOptions.URL, "collector-url", httpDispatcherOptions.URL, "Collector url")
	flags.IntVar(&httpDispatcherOptions.Timeout, "collector-timeout", httpDispatcherOptions.Timeout, "Collector timeout in seconds")

	flags.StringVar(&kafkaDispatcherOptions.Brokers, "kafka-brokers", kafkaDispatcherOptions.Brokers, "Kafka brokers")
	flags.StringVar(&kafkaDispatcherOptions.ClientID, "kafka-client-id", kafkaDispatcherOptions.ClientID, "Kafka client id")
	flags.StringVar(&kafkaDispatcherOptions.Topic, "kafka-topic", kafkaDispatcherOptions.Topic, "Kafka events topic")
	flags.IntVar(&kafkaDispatcherOptions.FlushFrequency, "kafka-flush-frequency", kafkaDispatcherOptions.FlushFrequency, "Kafka Producer flush frequency")
	flags.IntVar(&kafkaDispatcherOptions.FlushMaxMessages, "kafka-flush-max-messages", kafkaDispatcherOptions.FlushMaxMessages, "Kafka Producer flush max messages")
	flags.IntVar(&kafkaDispatcherOptions.NetMaxOpenRequests, "kafka-net-max-open-requests", kafkaDispatcherOptions.NetMaxOpenRequests, "Kafka Net max open requests")
	flags.IntVar(&kafkaDispatcherOptions.NetDialTimeout, "kafka-net-dial-timeout", kafkaDispatcherOptions.NetDialTimeout, "Kafka Net dial timeout")
	flags.IntVar(&kafkaDispatcherOptions.NetReadTimeout, "kafka-net-read-timeout", kafkaDispatcherOptions.NetReadTimeout, "Kafka Net read timeout")
	flags.IntVar(&kafkaDispatcherOptions.NetWriteTimeout, "kafka-net-write-timeout", kafkaDispatcherOptions.NetWriteTimeout, "Kafka Net write timeout")

	flags.StringVar(&sinkOptions.Listen, "sink-listen", sinkOptions.Listen, "Sink listen")
	flags.BoolVar(&sinkOptions.Tls, "sink-tls", sinkOptions.Tls, "Sink TLS")
	flags.StringVar(&sinkOptions.Cert, "sink-cert", sinkOptions.Cert, "Sink cert file or content")
	flags.StringVar(&sinkOptions.Key, "sink-key", sinkOptions.Key, "Sink key file or content")
	flags.StringVar(&sinkOptions.Chain, "sink-chain", sinkOptions.Chain, "Sink CA chain file or content")
	flags.StringVar(&sinkOptions.URLv1, "sink-url-v1", sinkOptions.URLv1, "Sink url")
	flags.BoolVar(&sinkOptions.Cors, "sink-cors-enable", sinkOptions.Cors, "Sink CORS true/false")

	interceptSyscall()

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sinkCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(VERSION)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
