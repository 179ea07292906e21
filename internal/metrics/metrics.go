// Package metrics счётчики обнаружения и соединений в prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lanlink"

// Metrics реализует интерфейсы Metrics пакетов multicastdiscovery,
// discoverymanager и lanserver.
type Metrics struct {
	registry *prometheus.Registry

	announcementsSent     prometheus.Counter
	announcementsReceived prometheus.Counter
	discoveryErrors       prometheus.Counter
	peersDispatched       prometheus.Counter
	connectionsAccepted   prometheus.Counter
	connectionsClosed     prometheus.Counter
	pingsAnswered         prometheus.Counter
	activeConnections     prometheus.Gauge
}

func New() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}

	m := &Metrics{
		registry:              prometheus.NewRegistry(),
		announcementsSent:     counter("announcements_sent_total", "Multicast announcements sent."),
		announcementsReceived: counter("announcements_received_total", "Multicast datagrams received."),
		discoveryErrors:       counter("discovery_errors_total", "Send and receive errors of discovery workers."),
		peersDispatched:       counter("peers_dispatched_total", "Peer records delivered to observers."),
		connectionsAccepted:   counter("connections_accepted_total", "Client connections accepted by the server."),
		connectionsClosed:     counter("connections_closed_total", "Client connections removed from the server set."),
		pingsAnswered:         counter("pings_answered_total", "Ping messages answered with a pong."),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Connections currently held by the server.",
		}),
	}

	m.registry.MustRegister(
		m.announcementsSent,
		m.announcementsReceived,
		m.discoveryErrors,
		m.peersDispatched,
		m.connectionsAccepted,
		m.connectionsClosed,
		m.pingsAnswered,
		m.activeConnections,
	)
	return m
}

func (m *Metrics) AnnouncementSent()       { m.announcementsSent.Inc() }
func (m *Metrics) AnnouncementReceived()   { m.announcementsReceived.Inc() }
func (m *Metrics) DiscoveryError()         { m.discoveryErrors.Inc() }
func (m *Metrics) PeerDispatched()         { m.peersDispatched.Inc() }
func (m *Metrics) ConnectionAccepted()     { m.connectionsAccepted.Inc() }
func (m *Metrics) ConnectionClosed()       { m.connectionsClosed.Inc() }
func (m *Metrics) PingAnswered()           { m.pingsAnswered.Inc() }
func (m *Metrics) ActiveConnections(n int) { m.activeConnections.Set(float64(n)) }

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve отдаёт /metrics на addr до отмены ctx.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	const op = "metrics.Serve"

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Serving metrics", slog.String("op", op), slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}
}
