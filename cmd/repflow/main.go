package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/atomistic-ml/repflow/internal/device"
	"github.com/atomistic-ml/repflow/internal/neighbor"
	"github.com/atomistic-ml/repflow/internal/repflow"
)

var (
	modelPath  = flag.String("model", "", "Load a serialized model (CBOR) instead of initializing one")
	savePath   = flag.String("save", "", "Write the model (CBOR) to this path and exit")
	cpuProfile = flag.String("cpuprofile", "", "Write cpu profile to file")

	flagNTypes = flag.Int("ntypes", 2, "Number of element types")
	flagERcut  = flag.Float64("rcut", 6.0, "Edge cutoff radius")
	flagESmth  = flag.Float64("rcut-smth", 5.0, "Edge switch onset radius")
	flagESel   = flag.Int("sel", 20, "Edge neighbor selection count")
	flagARcut  = flag.Float64("a-rcut", 4.0, "Angular cutoff radius")
	flagASmth  = flag.Float64("a-rcut-smth", 3.5, "Angular switch onset radius")
	flagASel   = flag.Int("a-sel", 10, "Angular neighbor selection count")
	flagLayers = flag.Int("layers", 3, "Number of message-passing layers")
	flagSeed   = flag.Int64("seed", 1, "Parameter initialization seed")

	synthAtoms = flag.Int("synth", 64, "Evaluate a synthetic system of N atoms")
	synthBox   = flag.Float64("box", 12.0, "Synthetic box edge length")

	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 4096, "Maximum number of concurrently processed atoms")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	backend := device.NewCPUBackend()
	log.Info().Str("backend", backend.Name()).Msg("Compute backend ready")

	var block *repflow.Block
	var err error
	if *modelPath != "" {
		block, err = repflow.Load(*modelPath, backend)
		if err != nil {
			log.Fatal().Err(err).Str("path", *modelPath).Msg("Failed to load model")
		}
		log.Info().Str("path", *modelPath).Int("ntypes", block.NTypes()).Msg("Loaded model")
	} else {
		cfg := repflow.DefaultConfig()
		cfg.NTypes = *flagNTypes
		cfg.ERcut = *flagERcut
		cfg.ERcutSmth = *flagESmth
		cfg.ESel = *flagESel
		cfg.ARcut = *flagARcut
		cfg.ARcutSmth = *flagASmth
		cfg.ASel = *flagASel
		cfg.NLayers = *flagLayers
		cfg.Seed = *flagSeed
		block, err = repflow.New(cfg, backend)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build descriptor")
		}
	}

	if *savePath != "" {
		if err := block.Save(*savePath); err != nil {
			log.Fatal().Err(err).Str("path", *savePath).Msg("Failed to save model")
		}
		log.Info().Str("path", *savePath).Msg("Saved model")
		return
	}

	typeEmbd := makeTypeEmbedding(block.NTypes(), block.DimIn(), *flagSeed)

	if *listenAddr != "" {
		go startServer(*listenAddr, block, typeEmbd, *maxConcurrent)
		if *flightAddr == "" {
			select {}
		}
	}
	if *flightAddr != "" {
		startFlightServer(*flightAddr, block, typeEmbd)
		return
	}
	if *listenAddr != "" {
		select {}
	}

	runSynthetic(block, typeEmbd)
}

// makeTypeEmbedding builds a deterministic per-type embedding table. The
// real embedding network lives upstream of the descriptor; a seeded table
// keeps the binary self-contained.
func makeTypeEmbedding(ntypes, dim int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	table := make([]float64, ntypes*dim)
	for i := range table {
		table[i] = rng.NormFloat64()
	}
	return table
}

// expandTypeEmbedding looks the table up for every extended atom.
func expandTypeEmbedding(table []float64, types []int, dim int) []float64 {
	out := make([]float64, len(types)*dim)
	for i, t := range types {
		copy(out[i*dim:(i+1)*dim], table[t*dim:(t+1)*dim])
	}
	return out
}

func runSynthetic(block *repflow.Block, typeEmbd []float64) {
	n := *synthAtoms
	rng := rand.New(rand.NewSource(*flagSeed + 1))
	coord := make([]float64, n*3)
	for i := range coord {
		coord[i] = rng.Float64() * *synthBox
	}
	types := make([]int, n)
	for i := range types {
		types[i] = rng.Intn(block.NTypes())
	}

	nl, err := neighbor.Build(coord, types, 1, n, block.NSel(), block.RCut())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build neighbor list")
	}

	start := time.Now()
	out, err := block.Call(&repflow.Input{
		NFrames:  1,
		NLoc:     nl.NLoc,
		NAll:     nl.NAll,
		CoordExt: nl.CoordExt,
		TypeExt:  nl.TypeExt,
		NList:    nl.NList,
		TypeEmbd: expandTypeEmbedding(typeEmbd, nl.TypeExt, block.DimIn()),
		Mapping:  nl.Mapping,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Descriptor evaluation failed")
	}
	elapsed := time.Since(start)
	log.Info().
		Int("atoms", n).
		Dur("elapsed", elapsed).
		Int("dim", block.DimOut()).
		Float64("atoms_per_sec", float64(n)/elapsed.Seconds()).
		Msg("Evaluated descriptor")

	if err := writeDescriptorStream(os.Stdout, types, out.Node, block.DimOut()); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

// writeDescriptorStream emits the per-atom descriptors as one Arrow IPC
// record batch: { "type": int32, "descriptor": fixed_size_list<float64>[dim] }.
func writeDescriptorStream(w *os.File, types []int, node []float64, dim int) error {
	pool := memory.NewGoAllocator()
	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "type", Type: arrow.PrimitiveTypes.Int32},
			{Name: "descriptor", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float64)},
		},
		nil,
	)

	typeBuilder := array.NewInt32Builder(pool)
	defer typeBuilder.Release()
	descBuilder := array.NewFixedSizeListBuilder(pool, int32(dim), arrow.PrimitiveTypes.Float64)
	defer descBuilder.Release()
	valueBuilder := descBuilder.ValueBuilder().(*array.Float64Builder)

	for i, t := range types {
		typeBuilder.Append(int32(t))
		descBuilder.Append(true)
		valueBuilder.AppendValues(node[i*dim:(i+1)*dim], nil)
	}

	typeArr := typeBuilder.NewArray()
	defer typeArr.Release()
	descArr := descBuilder.NewArray()
	defer descArr.Release()

	rec := array.NewRecordBatch(schema, []arrow.Array{typeArr, descArr}, int64(len(types)))
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("repflow"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
