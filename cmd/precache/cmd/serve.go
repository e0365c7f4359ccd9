package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/aweris/precache"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the origin through the offline cache",
	Long: `Register the interceptor for the configured version and run a reverse
proxy to the origin. Every proxied request is answered cache-first, so the
precached assets keep loading when the origin is unreachable.`,
	Args:   cobra.NoArgs,
	PreRun: bindFlags("listen", "origin", "version"),
	RunE:   runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default: 127.0.0.1:8080)")
	serveCmd.Flags().String("origin", "", "origin to proxy (default: http://127.0.0.1:5000)")
	serveCmd.Flags().String("version", "", "cache version tag")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer closeStorage(storage, &err)

	w, err := newInterceptor(storage)
	if err != nil {
		return err
	}

	reg := precache.NewRegistration()
	if err := reg.Register(ctx, w); err != nil {
		switch {
		case errors.Is(err, precache.ErrInstall):
			// Like a page whose worker failed to install: keep going, uncached.
			log.WithError(err).Warn("serving without offline cache")
		case errors.Is(err, precache.ErrActivate):
			log.WithError(err).Warn("stale caches may remain")
		default:
			return err
		}
	}

	client := reg.Open()
	defer func() {
		w.Flush()
		if cerr := client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	handler, err := newProxy(w.Config().Origin, client)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("listen", srv.Addr).WithField("origin", w.Config().Origin).Info("serving")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newProxy returns a reverse proxy to origin whose upstream requests go
// through rt.
func newProxy(origin string, rt http.RoundTripper) (http.Handler, error) {
	target, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
		},
		Transport: rt,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.WithError(err).WithField("url", r.URL.String()).Warn("upstream request failed")
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}, nil
}
