package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Transcription-pipeline attribute keys (spec.md §2's component letters).
const (
	AttrSegmentSamples = "vad.segment_samples"
	AttrSegmentStartMs = "vad.segment_start_ms"
	AttrSegmentEndMs   = "vad.segment_end_ms"
	AttrEncoderFrames  = "encoder.frames"
	AttrDecoderTokens  = "decoder.tokens"
	AttrDownloadFile   = "download.file_name"
	AttrDownloadBytes  = "download.bytes"
)

// InstrumentSegment wraps a VAD segment-processing call in a span (SPEC_FULL
// §5: "spans wrap... VAD segment processing").
func InstrumentSegment(ctx context.Context, sampleCount int, fn func(context.Context) error) error {
	return WithSpan(ctx, "vad.process_segment", fn,
		trace.WithAttributes(attribute.Int(AttrSegmentSamples, sampleCount)))
}

// InstrumentEncode wraps an encoder forward pass in a span tagged with the
// number of input frames.
func InstrumentEncode(ctx context.Context, frames int, fn func(context.Context) error) error {
	return WithSpan(ctx, "encoder.forward", fn,
		trace.WithAttributes(attribute.Int(AttrEncoderFrames, frames)))
}

// InstrumentDecode wraps a CTC decode pass in a span; fn returns the number
// of tokens produced, recorded as a span attribute once decode succeeds.
func InstrumentDecode(ctx context.Context, fn func(context.Context) (int, error)) error {
	return WithSpan(ctx, "decoder.decode", func(spanCtx context.Context) error {
		n, err := fn(spanCtx)
		if err == nil {
			SpanFromContext(spanCtx).SetAttributes(attribute.Int(AttrDecoderTokens, n))
		}
		return err
	})
}

// InstrumentDownload wraps one downloader transfer loop in a span; fn
// returns the total bytes written during the loop, recorded as a span
// attribute once the transfer succeeds.
func InstrumentDownload(ctx context.Context, fileName string, fn func(context.Context) (int64, error)) error {
	return WithSpan(ctx, "downloader.transfer", func(spanCtx context.Context) error {
		n, err := fn(spanCtx)
		if err == nil {
			SpanFromContext(spanCtx).SetAttributes(attribute.Int64(AttrDownloadBytes, n))
		}
		return err
	}, trace.WithAttributes(attribute.String(AttrDownloadFile, fileName)))
}
