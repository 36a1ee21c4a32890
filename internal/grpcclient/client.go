// Package grpcclient talks to the BLIP VQA sidecar over gRPC.
package grpcclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/vqa-verify/internal/logging"
	"github.com/example/vqa-verify/internal/vqamodel"
)

// AnswerMethod is the full gRPC method name served by the sidecar. Request and
// response are google.protobuf.Struct documents.
const AnswerMethod = "/vqa.v1.Answerer/Answer"

// DialBLIP returns a ready-to-use generator for the BLIP sidecar.
func DialBLIP(ctx context.Context, addr string, device vqamodel.DeviceConfig, logger *zap.Logger) (*BLIPClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_blip", "", err)
		logger.Error("failed to dial blip sidecar", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewBLIPClient(conn, device, logger), conn, nil
}

// NewBLIPClient wraps an existing connection.
func NewBLIPClient(conn grpc.ClientConnInterface, device vqamodel.DeviceConfig, logger *zap.Logger) *BLIPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BLIPClient{conn: conn, device: device, logger: logger.Named("blip")}
}

// BLIPClient implements vqamodel.Generator against the sidecar.
type BLIPClient struct {
	conn   grpc.ClientConnInterface
	device vqamodel.DeviceConfig
	logger *zap.Logger
}

// Generate sends every image with the question in one call.
func (c *BLIPClient) Generate(ctx context.Context, images []vqamodel.Image, question string) ([]vqamodel.Generation, error) {
	req, err := c.buildRequest(images, question)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.answer", "", err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		"x-device", c.device.Device,
		"x-visible-devices", c.device.VisibleDevices(),
	)
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, AnswerMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.answer", "", err)
		c.logger.Error("blip sidecar call failed", zap.Error(wrapped), zap.Int("images", len(images)))
		return nil, wrapped
	}

	gens, err := decodeAnswers(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_answers", "", err)
	}
	return gens, nil
}

func (c *BLIPClient) buildRequest(images []vqamodel.Image, question string) (*structpb.Struct, error) {
	imgs := make([]any, len(images))
	for i, img := range images {
		imgs[i] = map[string]any{
			"name": img.Name,
			"mime": img.ContentType(),
			"data": base64.StdEncoding.EncodeToString(img.Data),
		}
	}
	ids := make([]any, len(c.device.DeviceIDs))
	for i, id := range c.device.DeviceIDs {
		ids[i] = float64(id)
	}
	return structpb.NewStruct(map[string]any{
		"question":   question,
		"images":     imgs,
		"device":     c.device.Device,
		"device_ids": ids,
	})
}

// decodeAnswers reads {"answers": [{"text": "...", "steps": [[p, ...], ...]}]}.
func decodeAnswers(resp *structpb.Struct) ([]vqamodel.Generation, error) {
	answers := resp.GetFields()["answers"].GetListValue()
	if answers == nil {
		return nil, fmt.Errorf("response has no answers list")
	}
	out := make([]vqamodel.Generation, 0, len(answers.GetValues()))
	for i, v := range answers.GetValues() {
		obj := v.GetStructValue()
		if obj == nil {
			return nil, fmt.Errorf("answer %d is not an object", i)
		}
		gen := vqamodel.Generation{Text: obj.GetFields()["text"].GetStringValue()}
		for _, step := range obj.GetFields()["steps"].GetListValue().GetValues() {
			probs := step.GetListValue().GetValues()
			dist := make(vqamodel.Distribution, len(probs))
			for j, p := range probs {
				dist[j] = p.GetNumberValue()
			}
			gen.Steps = append(gen.Steps, dist)
		}
		out = append(out, gen)
	}
	return out, nil
}
