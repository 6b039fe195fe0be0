package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/tendermint/tendermint/libs/log"
)

var logger = log.NewNopLogger()

func main() {
	var durationInt, txsRate, connections, accounts int
	var verbose bool

	flagSet := flag.NewFlagSet("bench", flag.ExitOnError)
	flagSet.IntVar(&connections, "c", 1, "Connections to keep open per endpoint")
	flagSet.IntVar(&durationInt, "T", 10, "Exit after the specified amount of time in seconds")
	flagSet.IntVar(&txsRate, "r", 500, "Txs per second to send in a connection")
	flagSet.IntVar(&accounts, "a", 64, "Synthetic accounts the generated transfers draw on")
	flagSet.BoolVar(&verbose, "v", false, "Verbose output")

	flagSet.Usage = func() {
		fmt.Println(`Load-test a validator's websocket rpc endpoint with generated transfers.

Usage:
	bench [-c 1] [-T 10] [-r 500] [-a 64] [endpoints]

Examples:
	bench localhost:26657`)
		fmt.Println("Flags:")
		flagSet.PrintDefaults()
	}

	flagSet.Parse(os.Args[1:])

	if flagSet.NArg() == 0 {
		flagSet.Usage()
		os.Exit(1)
	}

	if verbose {
		// NOTE: does not support the -v flag to log to a file
		logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	}

	endpoints := strings.Split(flagSet.Arg(0), ",")

	transacters := make([]*transacter, len(endpoints))
	for i, e := range endpoints {
		t := newTransacter(e, connections, txsRate, accounts)
		t.SetLogger(logger)
		if err := t.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		transacters[i] = t
	}

	duration := time.Duration(durationInt) * time.Second
	timeStart := time.Now()
	logger.Info("Time started", "t", timeStart)

	select {
	case <-time.After(duration):
		for _, t := range transacters {
			t.Stop()
		}
		printStatistics(time.Since(timeStart))
	}
}

func printStatistics(elapsed time.Duration) {
	sent := metrics.GetOrRegisterMeter("transacter.sent", metrics.DefaultRegistry)
	latency := metrics.GetOrRegisterTimer("transacter.write_latency", metrics.DefaultRegistry)

	fmt.Println("Stats:")
	fmt.Printf("  duration      %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  txs sent      %d\n", sent.Count())
	fmt.Printf("  send rate     %.0f/s\n", sent.RateMean())
	fmt.Printf("  write p95     %v\n", time.Duration(latency.Percentile(0.95)))
	fmt.Printf("  write max     %v\n", time.Duration(latency.Max()))
}
