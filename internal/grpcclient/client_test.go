package grpcclient

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/vqa-verify/internal/vqamodel"
)

type fakeSidecar struct {
	method   string
	request  map[string]any
	md       metadata.MD
	response map[string]any
}

func (f *fakeSidecar) handle(_ any, stream grpc.ServerStream) error {
	f.method, _ = grpc.MethodFromServerStream(stream)
	f.md, _ = metadata.FromIncomingContext(stream.Context())
	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	f.request = req.AsMap()
	resp, err := structpb.NewStruct(f.response)
	if err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

func startSidecar(t *testing.T, sidecar *fakeSidecar) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(sidecar.handle))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestBLIPClientGenerate(t *testing.T) {
	sidecar := &fakeSidecar{response: map[string]any{
		"answers": []any{
			map[string]any{"text": "yes", "steps": []any{[]any{0.9, 0.1}, []any{0.7, 0.3}}},
			map[string]any{"text": "no"},
		},
	}}
	conn := startSidecar(t, sidecar)
	client := NewBLIPClient(conn, vqamodel.DeviceConfig{Device: "cuda", DeviceIDs: []int{0, 1}}, nil)

	images := []vqamodel.Image{
		{Name: "a.jpg", Data: []byte("aaa"), MIME: "image/jpeg"},
		{Name: "b.jpg", Data: []byte("bbb"), MIME: "image/jpeg"},
	}
	gens, err := client.Generate(context.Background(), images, "Is it red?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sidecar.method != AnswerMethod {
		t.Fatalf("unexpected method %q", sidecar.method)
	}
	if sidecar.request["question"] != "Is it red?" {
		t.Fatalf("unexpected question %v", sidecar.request["question"])
	}
	if imgs, ok := sidecar.request["images"].([]any); !ok || len(imgs) != 2 {
		t.Fatalf("expected two images in request, got %#v", sidecar.request["images"])
	}
	if got := sidecar.md.Get("x-visible-devices"); len(got) != 1 || got[0] != "0,1" {
		t.Fatalf("unexpected device metadata %v", got)
	}

	if len(gens) != 2 {
		t.Fatalf("expected two generations, got %d", len(gens))
	}
	if gens[0].Text != "yes" || len(gens[0].Steps) != 2 || gens[0].Steps[1][0] != 0.7 {
		t.Fatalf("unexpected first generation %#v", gens[0])
	}
	if gens[1].Text != "no" || len(gens[1].Steps) != 0 {
		t.Fatalf("unexpected second generation %#v", gens[1])
	}
}

func TestBLIPClientRejectsResponseWithoutAnswers(t *testing.T) {
	sidecar := &fakeSidecar{response: map[string]any{"status": "ok"}}
	conn := startSidecar(t, sidecar)
	client := NewBLIPClient(conn, vqamodel.DeviceConfig{}, nil)

	_, err := client.Generate(context.Background(), []vqamodel.Image{{Name: "a.jpg", Data: []byte("a")}}, "q?")
	if err == nil {
		t.Fatal("expected decode error")
	}
}
