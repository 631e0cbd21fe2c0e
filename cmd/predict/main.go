// Command predict classifies image files with the configured checkpoint and
// prints one JSON prediction per line.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Brownie44l1/lesion-api/internal/config"
	"github.com/Brownie44l1/lesion-api/internal/labels"
	"github.com/Brownie44l1/lesion-api/internal/model"
)

type result struct {
	File string `json:"file"`
	*model.Prediction
	Error string `json:"error,omitempty"`
}

func main() {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: predict [-env file] <image>...\n")
		fs.PrintDefaults()
	}
	if err := config.LoadEnvFile(fs, os.Args[1:]); err != nil {
		log.Fatalf("%v", err)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	cfg.SetupLogging()

	manifest, err := labels.Load(cfg.LabelsPath)
	if err != nil {
		log.Fatalf("Failed to load labels: %v", err)
	}

	modelServer, err := model.NewServer(cfg.Model(), manifest)
	if err != nil {
		log.Fatalf("Failed to initialize model server: %v", err)
	}
	defer modelServer.Close()

	enc := json.NewEncoder(os.Stdout)
	failed := false
	for _, path := range fs.Args() {
		res := result{File: path}
		prediction, err := modelServer.PredictFile(path)
		if err != nil {
			res.Error = err.Error()
			failed = true
		} else {
			res.Prediction = prediction
		}
		if err := enc.Encode(res); err != nil {
			log.Fatalf("error writing result: %v", err)
		}
	}

	if failed {
		modelServer.Close()
		os.Exit(1)
	}
}
