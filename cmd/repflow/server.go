package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/atomistic-ml/repflow/internal/neighbor"
	"github.com/atomistic-ml/repflow/internal/repflow"
)

var (
	requestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repflow_http_requests_total",
		Help: "Total number of compute requests served",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repflow_http_request_duration_seconds",
		Help:    "Time spent processing compute requests",
		Buckets: prometheus.DefBuckets,
	})
)

var tracer = otel.Tracer("repflow-server")

// ComputeRequest is one CBOR-encoded system to describe.
type ComputeRequest struct {
	NFrames int       `cbor:"nframes"`
	NAtoms  int       `cbor:"natoms"`
	Coord   []float64 `cbor:"coord"` // nframes x natoms x 3
	Types   []int     `cbor:"types"` // natoms
}

// ComputeResponse carries the per-atom descriptors and equivariant frames.
type ComputeResponse struct {
	NLoc   int       `cbor:"nloc"`
	Dim    int       `cbor:"dim"`
	Node   []float64 `cbor:"node"`
	RotMat []float64 `cbor:"rot_mat"`
}

type Server struct {
	block    *repflow.Block
	typeEmbd []float64
	sem      *semaphore.Weighted
}

func NewServer(block *repflow.Block, typeEmbd []float64, maxConcurrent int) *Server {
	return &Server{
		block:    block,
		typeEmbd: typeEmbd,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func startServer(addr string, block *repflow.Block, typeEmbd []float64, maxConcurrent int) {
	srv := NewServer(block, typeEmbd, maxConcurrent)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/compute", srv.handleCompute)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting RepFlow server")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleCompute", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ComputeRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if req.NFrames <= 0 || req.NAtoms <= 0 {
		http.Error(w, "Bad Request: nframes and natoms must be positive", http.StatusBadRequest)
		return
	}
	for _, t := range req.Types {
		if t < 0 || t >= s.block.NTypes() {
			http.Error(w, fmt.Sprintf("Bad Request: type %d outside [0, %d)", t, s.block.NTypes()), http.StatusBadRequest)
			return
		}
	}

	span.SetAttributes(
		attribute.Int("frames", req.NFrames),
		attribute.Int("atoms", req.NAtoms),
	)

	// admission control, weighted by system size
	weight := int64(req.NFrames * req.NAtoms)
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	resp, err := s.compute(&req)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Compute failed: %v", err), http.StatusBadRequest)
		return
	}
	requestsTotal.Inc()

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) compute(req *ComputeRequest) (*ComputeResponse, error) {
	nl, err := neighbor.Build(req.Coord, req.Types, req.NFrames, req.NAtoms, s.block.NSel(), s.block.RCut())
	if err != nil {
		return nil, err
	}
	typeExt := nl.TypeExt
	out, err := s.block.Call(&repflow.Input{
		NFrames:  req.NFrames,
		NLoc:     nl.NLoc,
		NAll:     nl.NAll,
		CoordExt: nl.CoordExt,
		TypeExt:  typeExt,
		NList:    nl.NList,
		TypeEmbd: expandTypeEmbedding(s.typeEmbd, typeExt, s.block.DimIn()),
		Mapping:  nl.Mapping,
	})
	if err != nil {
		return nil, err
	}
	return &ComputeResponse{
		NLoc:   nl.NLoc,
		Dim:    s.block.DimOut(),
		Node:   out.Node,
		RotMat: out.RotMat,
	}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
