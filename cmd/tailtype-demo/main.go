// Command tailtype-demo watches a CSV file and prints every record
// appended to it, demonstrating the golden path through the public API:
// GetOrCreateCSVReader, Subscribe, and the dispatched batch channel.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/fieldstream/tailtype/lib/automaxprocs"

	"github.com/fieldstream/tailtype"
	"github.com/fieldstream/tailtype/internal/logger"
	"github.com/fieldstream/tailtype/internal/model"
)

var l = logger.Default.NewFacility("tailtype-demo", "example CLI")

type row struct {
	Col1 string
	Col2 string
	Col3 string
}

func main() {
	path := flag.String("file", "", "path to a CSV file to tail")
	full := flag.Bool("full", false, "re-deliver the whole file on every change instead of just the tail")
	metricsListen := flag.String("metrics-listen", "", "if set, serve Prometheus metrics on this address (e.g. :8222)")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: tailtype-demo -file path/to/data.csv")
		os.Exit(2)
	}

	mode := tailtype.Increment
	if *full {
		mode = tailtype.Full
	}

	var opts []tailtype.Option
	if *metricsListen != "" {
		m := tailtype.NewMetrics(*path, mode)
		if err := m.Register(prometheus.DefaultRegisterer); err != nil {
			l.Warnf("register metrics: %v", err)
			os.Exit(1)
		}
		opts = append(opts, tailtype.WithMetrics(m, "csv"))

		mmux := http.NewServeMux()
		mmux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsListen, mmux); err != nil {
				l.Warnf("serve metrics: %v", err)
			}
		}()
	}

	reader, err := tailtype.GetOrCreateCSVReader[row](*path, mode, tailtype.UTF8, opts...)
	if err != nil {
		l.Warnf("get or create reader: %v", err)
		os.Exit(1)
	}
	_, ch := reader.Subscribe("", func(string, *row) bool { return true })

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	l.Infof("watching %s (mode=%v)", *path, mode)
	for {
		select {
		case batch := <-ch:
			printBatch(batch)
		case <-sig:
			l.Infoln("shutting down")
			return
		}
	}
}

func printBatch(batch []model.Item[row]) {
	for _, item := range batch {
		if item.Err != nil {
			l.Warnf("parse error: %v", item.Err)
			continue
		}
		fmt.Printf("%s,%s,%s\n", item.Value.Col1, item.Value.Col2, item.Value.Col3)
	}
}
