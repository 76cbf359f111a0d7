package main

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/atomistic-ml/repflow/internal/neighbor"
	"github.com/atomistic-ml/repflow/internal/repflow"
)

// RepFlowFlightServer accepts systems over Arrow Flight DoPut and runs the
// descriptor on each record batch. Expected schema per batch:
// { "coord": fixed_size_list<float64>[3], "type": int32 }, one row per atom.
type RepFlowFlightServer struct {
	flight.BaseFlightServer
	block    *repflow.Block
	typeEmbd []float64
	alloc    memory.Allocator
}

func NewRepFlowFlightServer(block *repflow.Block, typeEmbd []float64) *RepFlowFlightServer {
	return &RepFlowFlightServer{
		block:    block,
		typeEmbd: typeEmbd,
		alloc:    memory.NewGoAllocator(),
	}
}

func (s *RepFlowFlightServer) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	return status.Errorf(codes.Unimplemented, "DoGet not supported; use DoPut to submit systems")
}

func (s *RepFlowFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		coord, types, err := decodeSystem(rec)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "bad record batch: %v", err)
		}
		natoms := len(types)
		nl, err := neighbor.Build(coord, types, 1, natoms, s.block.NSel(), s.block.RCut())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "neighbor list: %v", err)
		}
		out, err := s.block.Call(&repflow.Input{
			NFrames:  1,
			NLoc:     nl.NLoc,
			NAll:     nl.NAll,
			CoordExt: nl.CoordExt,
			TypeExt:  nl.TypeExt,
			NList:    nl.NList,
			TypeEmbd: expandTypeEmbedding(s.typeEmbd, nl.TypeExt, s.block.DimIn()),
			Mapping:  nl.Mapping,
		})
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "descriptor: %v", err)
		}
		log.Info().Int("atoms", natoms).Int("dim", s.block.DimOut()).Int("values", len(out.Node)).Msg("DoPut described batch")
	}
	return reader.Err()
}

// decodeSystem extracts the flat coordinates and types of one record batch.
func decodeSystem(rec arrow.RecordBatch) (coord []float64, types []int, err error) {
	coordIdx := rec.Schema().FieldIndices("coord")
	typeIdx := rec.Schema().FieldIndices("type")
	if len(coordIdx) == 0 || len(typeIdx) == 0 {
		return nil, nil, status.Errorf(codes.InvalidArgument, "batch must carry coord and type columns")
	}

	coordCol, ok := rec.Column(coordIdx[0]).(*array.FixedSizeList)
	if !ok || coordCol.DataType().(*arrow.FixedSizeListType).Len() != 3 {
		return nil, nil, status.Errorf(codes.InvalidArgument, "coord must be fixed_size_list<float64>[3]")
	}
	values, ok := coordCol.ListValues().(*array.Float64)
	if !ok {
		return nil, nil, status.Errorf(codes.InvalidArgument, "coord values must be float64")
	}
	typeCol, ok := rec.Column(typeIdx[0]).(*array.Int32)
	if !ok {
		return nil, nil, status.Errorf(codes.InvalidArgument, "type must be int32")
	}

	n := coordCol.Len()
	coord = make([]float64, n*3)
	for i := 0; i < n; i++ {
		off := (coordCol.Offset() + i) * 3
		for k := 0; k < 3; k++ {
			coord[i*3+k] = values.Value(off + k)
		}
	}
	types = make([]int, typeCol.Len())
	for i := range types {
		types[i] = int(typeCol.Value(i))
	}
	return coord, types, nil
}

func startFlightServer(addr string, block *repflow.Block, typeEmbd []float64) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewRepFlowFlightServer(block, typeEmbd))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting RepFlow Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
