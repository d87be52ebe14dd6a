package widget

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/lastclick/go/internal/window"
)

const (
	// WidgetServiceName is the fully-qualified name of the widget service.
	WidgetServiceName = "lastclick.widget.v1.WidgetService"

	GetSnapshotProcedure = "/" + WidgetServiceName + "/GetSnapshot"
	ResetWindowProcedure = "/" + WidgetServiceName + "/ResetWindow"
)

// Service implements the widget RPC service on top of the App. Messages
// are well-known types, so no generated stubs are needed.
type Service struct {
	app         *App
	adminSecret string
}

func NewService(app *App, adminSecret string) *Service {
	return &Service{app: app, adminSecret: adminSecret}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux, opts ...connect.HandlerOption) {
	mux.Handle(GetSnapshotProcedure, connect.NewUnaryHandler(GetSnapshotProcedure, s.GetSnapshot, opts...))
	mux.Handle(ResetWindowProcedure, connect.NewUnaryHandler(ResetWindowProcedure, s.ResetWindow, opts...))
}

// GetSnapshot returns the current widget snapshot
func (s *Service) GetSnapshot(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	msg, err := structpb.NewStruct(s.app.Snapshot(ctx).Map())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// ResetWindow starts a new payout window; requires the admin secret header
func (s *Service) ResetWindow(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	if !authorized(s.adminSecret, req.Header().Get(AdminSecretHeader)) {
		return nil, connect.NewError(connect.CodePermissionDenied, errors.New("invalid admin secret"))
	}

	win, err := s.app.ResetWindow(ctx)
	if errors.Is(err, window.ErrNotSynced) {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	body := resetResponse(win)
	msg, err := structpb.NewStruct(map[string]interface{}{
		"windowStart": body.WindowStart,
		"windowKey":   body.WindowKey,
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// Client calls the widget RPC service.
type Client struct {
	getSnapshot *connect.Client[emptypb.Empty, structpb.Struct]
	resetWindow *connect.Client[emptypb.Empty, structpb.Struct]
}

func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		getSnapshot: connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, baseURL+GetSnapshotProcedure, opts...),
		resetWindow: connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, baseURL+ResetWindowProcedure, opts...),
	}
}

func (c *Client) GetSnapshot(ctx context.Context) (map[string]interface{}, error) {
	resp, err := c.getSnapshot.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.AsMap(), nil
}

func (c *Client) ResetWindow(ctx context.Context, secret string) (map[string]interface{}, error) {
	req := connect.NewRequest(&emptypb.Empty{})
	req.Header().Set(AdminSecretHeader, secret)
	resp, err := c.resetWindow.CallUnary(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Msg.AsMap(), nil
}
