package arrowsink

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// Generation is one finished sequence from a decode run, ready for export.
type Generation struct {
	Batch  int32
	Rank   int32
	Score  float32
	Tokens []int32
}

// Schema returns the Arrow schema used for generation export: one row per
// returned sequence, tokens as a variable-length int32 list.
func Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
		{Name: "rank", Type: arrow.PrimitiveTypes.Int32},
		{Name: "score", Type: arrow.PrimitiveTypes.Float32},
		{Name: "tokens", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	}, nil)
}

// BuildRecord assembles an Arrow record from finished generations. The
// caller owns the returned record and must Release it.
func BuildRecord(gens []Generation) arrow.Record {
	b := array.NewRecordBuilder(memory.DefaultAllocator, Schema())
	defer b.Release()

	batchB := b.Field(0).(*array.Int32Builder)
	rankB := b.Field(1).(*array.Int32Builder)
	scoreB := b.Field(2).(*array.Float32Builder)
	tokensB := b.Field(3).(*array.ListBuilder)
	valuesB := tokensB.ValueBuilder().(*array.Int32Builder)

	for _, g := range gens {
		batchB.Append(g.Batch)
		rankB.Append(g.Rank)
		scoreB.Append(g.Score)
		tokensB.Append(true)
		valuesB.AppendValues(g.Tokens, nil)
	}

	return b.NewRecord()
}

// Publisher ships generation records to a Flight endpoint over DoPut.
type Publisher struct {
	client flight.Client
	addr   string
	log    *logger.Logger
}

// NewPublisher connects to the Flight server at addr.
func NewPublisher(addr string) (*Publisher, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &Publisher{
		client: client,
		addr:   addr,
		log:    logger.Log.With("arrowsink"),
	}, nil
}

// Publish writes one record of finished generations to the "generations"
// path on the Flight server.
func (p *Publisher) Publish(ctx context.Context, gens []Generation) error {
	if len(gens) == 0 {
		return fmt.Errorf("no generations to publish")
	}

	rec := BuildRecord(gens)
	defer rec.Release()

	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(Schema()))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"generations"},
	})

	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("failed to close record writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close DoPut stream: %w", err)
	}

	p.log.Info("published generations", "addr", p.addr, "rows", len(gens))
	return nil
}

// Close disconnects from the Flight server.
func (p *Publisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
