// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command wordcount indexes a word list in an fnvmap.Map and looks words up
// in it. Each word maps to its 1-based position among the non-empty lines of
// the list. Keys are copied into an arena since the scanner reuses its
// buffer.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/fnvmap"
	"github.com/cockroachdb/fnvmap/arena"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const defaultWords = "/usr/share/dict/words"

var defaultQueries = []string{"table", "A"}

type config struct {
	words      string
	capacity   int
	regionSize int
	mmap       bool
	queries    []string
}

func main() {
	logger := logrus.New()
	if err := newApp(logger, os.Stdout).Run(os.Args); err != nil {
		logger.WithError(err).Fatal("wordcount failed")
	}
}

func newApp(logger *logrus.Logger, out io.Writer) *cli.App {
	return &cli.App{
		Name:      "wordcount",
		Usage:     "index a word list and look words up",
		ArgsUsage: "[word...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "words",
				Usage: "path of the word list, one word per line",
				Value: defaultWords,
			},
			&cli.IntFlag{
				Name:  "capacity",
				Usage: "initial capacity of the map",
				Value: fnvmap.DefaultCapacity,
			},
			&cli.IntFlag{
				Name:  "region-size",
				Usage: "capacity of the arena regions holding the keys",
				Value: arena.DefaultCapacity,
			},
			&cli.BoolFlag{
				Name:  "mmap",
				Usage: "back the arena with anonymous memory mappings",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logger.SetLevel(logrus.DebugLevel)
			}
			cfg := config{
				words:      c.String("words"),
				capacity:   c.Int("capacity"),
				regionSize: c.Int("region-size"),
				mmap:       c.Bool("mmap"),
				queries:    c.Args().Slice(),
			}
			if len(cfg.queries) == 0 {
				cfg.queries = defaultQueries
			}
			return run(cfg, logger, out)
		},
	}
}

func run(cfg config, logger logrus.FieldLogger, out io.Writer) (err error) {
	f, err := os.Open(cfg.words)
	if err != nil {
		return errors.Wrap(err, "opening word list")
	}
	defer f.Close()

	opts := []arena.Option{arena.WithCapacity(cfg.regionSize)}
	if cfg.mmap {
		opts = append(opts, arena.WithBackend(arena.MmapBackend{}))
	}
	keys := arena.New(opts...)
	defer func() {
		if derr := keys.Deinit(); derr != nil && err == nil {
			err = errors.Wrap(derr, "releasing arena")
		}
	}()

	m := fnvmap.New[int](cfg.capacity, fnvmap.WithKeyStore[int](keys))
	defer m.Close()

	scanner := bufio.NewScanner(f)
	count := 1
	for scanner.Scan() {
		word := scanner.Bytes()
		if len(word) == 0 {
			continue
		}
		m.Put(word, count)
		count++
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "reading %s", cfg.words)
	}

	logger.WithFields(logrus.Fields{
		"entries":   m.Len(),
		"capacity":  m.Capacity(),
		"max_probe": m.MaxProbe(),
		"regions":   keys.Regions(),
		"reserved":  humanize.IBytes(uint64(keys.Total())),
	}).Info("indexed word list")
	logger.Debugf("arena regions:\n%s", keys)

	for _, q := range cfg.queries {
		if i, ok := m.Lookup([]byte(q)); ok {
			fmt.Fprintf(out, "%s: index=%d value=%d\n", q, i, m.At(i))
		} else {
			fmt.Fprintf(out, "%s: not found\n", q)
		}
	}
	return nil
}
