/*
Copyright 2025 The Manga-ULM Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// mangakeepd serves a self-hosted manga library: it indexes archive
// files under registered roots and exposes the reading API over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/CaoBiang/Manga-ULM/pkg/archive"
	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/covercache"
	"github.com/CaoBiang/Manga-ULM/pkg/pathutil"
	"github.com/CaoBiang/Manga-ULM/pkg/rename"
	"github.com/CaoBiang/Manga-ULM/pkg/scanner"
	"github.com/CaoBiang/Manga-ULM/pkg/server"
	"github.com/CaoBiang/Manga-ULM/pkg/settings"
	"github.com/CaoBiang/Manga-ULM/pkg/taskengine"
)

const (
	envProfile  = "MANGAKEEP_ENV"
	envInstance = "MANGAKEEP_INSTANCE"
)

var (
	flagInstance string
	flagListen   string
)

func main() {
	root := &cobra.Command{
		Use:           "mangakeepd",
		Short:         "Self-hosted manga library server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagInstance, "instance", "",
		"instance directory (default $"+envInstance+" or ~/.mangakeep)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the library server",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&flagListen, "listen", "127.0.0.1:8091", "address to listen on")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("mangakeepd")
	}
}

// profile returns the config profile, defaulting to development.
func profile() string {
	switch p := os.Getenv(envProfile); p {
	case "production", "testing":
		return p
	}
	return "development"
}

func setupLogging() *logrus.Entry {
	switch profile() {
	case "production":
		logrus.SetFormatter(&logrus.JSONFormatter{})
		logrus.SetLevel(logrus.InfoLevel)
	case "testing":
		logrus.SetLevel(logrus.WarnLevel)
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logrus.SetLevel(logrus.DebugLevel)
	}
	return logrus.WithField("component", "mangakeepd")
}

// instanceDir resolves the runtime state directory.
func instanceDir() string {
	if flagInstance != "" {
		return pathutil.NormalizeRoot(flagInstance)
	}
	if dir := os.Getenv(envInstance); dir != "" {
		return pathutil.NormalizeRoot(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return pathutil.NormalizeRoot(".mangakeep")
	}
	return pathutil.NormalizeRoot(filepath.Join(home, ".mangakeep"))
}

func runServe(cmd *cobra.Command, args []string) error {
	log := setupLogging()
	dir := instanceDir()
	coversDir := filepath.Join(dir, "covers")
	backupsDir := filepath.Join(dir, "backups")
	for _, d := range []string{dir, coversDir, backupsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	dbPath := filepath.Join(dir, "manga_manager.db")

	store, err := catalog.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	prov := settings.New(store, log)
	reader := archive.NewReader()
	covers := covercache.New(coversDir, reader, log)
	engine := taskengine.New(store, log)
	scan := scanner.New(store, reader, covers, prov, log)
	mut := rename.NewMutator(store, log)

	srv := server.New(server.Config{
		Store:      store,
		Reader:     reader,
		Covers:     covers,
		Settings:   prov,
		Engine:     engine,
		Scanner:    scan,
		Mutator:    mut,
		DBPath:     dbPath,
		BackupsDir: backupsDir,
		Log:        log,
	})

	httpSrv := &http.Server{
		Addr:              flagListen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", flagListen).WithField("instance", dir).
			WithField("profile", profile()).Info("serving")
		errc <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errc:
		engine.Shutdown()
		return err
	case sig := <-stop:
		log.WithField("signal", sig).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	engine.Shutdown()
	return nil
}
