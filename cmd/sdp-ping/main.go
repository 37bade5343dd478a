// Command sdp-ping opens a serial link, sends a payload to the peer node
// and prints the response. The peer is expected to run an SDP node that
// answers every message.
package main

import (
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	sdp "github.com/samsamfire/gosdp"
)

var (
	configPath  = flag.String("config", "sdp.ini", "node profile (INI)")
	payloadHex  = flag.String("payload", "01020304", "payload to send, hex encoded")
	count       = flag.Int("count", 1, "number of pings to send")
	interval    = flag.Duration("interval", time.Second, "delay between pings")
	metricsAddr = flag.String("metrics", "", "expose prometheus metrics on this address (e.g. :9100)")
	verbose     = flag.Bool("v", false, "debug logging")
)

func main() {
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	conf, err := sdp.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading config %v failed : %v", *configPath, err)
	}
	payload, err := hex.DecodeString(*payloadHex)
	if err != nil {
		log.Fatalf("invalid payload : %v", err)
	}

	port, err := sdp.OpenSerialPort(&conf.Serial)
	if err != nil {
		log.Fatalf("opening %v failed : %v", conf.Serial.Device, err)
	}
	defer port.Close()

	node, err := sdp.NewNode(port, &conf.Node)
	if err != nil {
		log.Fatalf("creating node failed : %v", err)
	}
	node.SetDebugHandler(func(n *sdp.Node, code int) {
		log.Debugf("node x%x diagnostic %v", n.Id(), code)
	})

	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(sdp.NewCollector(node))
		go func() {
			log.Infof("metrics on %v/metrics", *metricsAddr)
			log.Error(http.ListenAndServe(*metricsAddr, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		}()
	}

	failures := 0
	for i := 0; i < *count; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}
		start := time.Now()
		response, err := node.SendData(payload)
		if err != nil {
			failures++
			log.Errorf("ping %v failed : %v", i+1, err)
			continue
		}
		log.Infof("ping %v : %v byte response in %v : %X", i+1, len(response), time.Since(start), response)
	}
	if failures > 0 {
		os.Exit(1)
	}
}
