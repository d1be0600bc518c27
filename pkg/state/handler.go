package state

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	proto "github.com/dapr/dapr/pkg/proto/components/v1"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wisbric/barnowl/internal/telemetry"
	"github.com/wisbric/barnowl/pkg/tenant"
)

// errorDomain tags ErrorInfo details emitted by this component.
const errorDomain = "barnowl"

// Handler adapts the state service to the sidecar's pluggable state-store
// gRPC contract.
type Handler struct {
	proto.UnimplementedStateStoreServer
	proto.UnimplementedTransactionalStateStoreServer

	svc    *Service
	logger *slog.Logger
}

// NewHandler wraps svc for gRPC registration.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Service exposes the wrapped service, mainly for lifecycle teardown.
func (h *Handler) Service() *Service {
	return h.svc
}

func (h *Handler) Init(ctx context.Context, req *proto.InitRequest) (*proto.InitResponse, error) {
	start := time.Now()
	err := h.svc.Init(ctx, req.GetMetadata().GetProperties())
	if err := h.finish("init", start, err); err != nil {
		return nil, err
	}
	return &proto.InitResponse{}, nil
}

func (h *Handler) Features(context.Context, *proto.FeaturesRequest) (*proto.FeaturesResponse, error) {
	return &proto.FeaturesResponse{Features: h.svc.Features()}, nil
}

func (h *Handler) Ping(ctx context.Context, _ *proto.PingRequest) (*proto.PingResponse, error) {
	start := time.Now()
	err := h.svc.Ping(ctx)
	if err != nil && !errors.Is(err, ErrNotInitialized) {
		err = status.Error(codes.Unavailable, err.Error())
	}
	if err := h.finish("ping", start, err); err != nil {
		return nil, err
	}
	return &proto.PingResponse{}, nil
}

func (h *Handler) Get(ctx context.Context, req *proto.GetRequest) (*proto.GetResponse, error) {
	start := time.Now()
	item, err := h.svc.Get(ctx, req.GetKey(), req.GetMetadata())
	if err := h.finish("get", start, err); err != nil {
		return nil, err
	}
	if item == nil {
		return &proto.GetResponse{}, nil
	}
	return &proto.GetResponse{
		Data:        item.Value,
		Etag:        &proto.Etag{Value: item.Etag},
		ContentType: "application/json",
	}, nil
}

func (h *Handler) Set(ctx context.Context, req *proto.SetRequest) (*proto.SetResponse, error) {
	start := time.Now()
	op := setOperation(req)
	err := h.svc.Set(ctx, op.Key, op.Value, op.Etag, op.Metadata)
	if err := h.finish("set", start, err); err != nil {
		return nil, err
	}
	return &proto.SetResponse{}, nil
}

func (h *Handler) Delete(ctx context.Context, req *proto.DeleteRequest) (*proto.DeleteResponse, error) {
	start := time.Now()
	op := deleteOperation(req)
	err := h.svc.Delete(ctx, op.Key, op.Etag, op.Metadata)
	if err := h.finish("delete", start, err); err != nil {
		return nil, err
	}
	return &proto.DeleteResponse{}, nil
}

func (h *Handler) BulkGet(ctx context.Context, req *proto.BulkGetRequest) (*proto.BulkGetResponse, error) {
	start := time.Now()
	ops := make([]GetOperation, 0, len(req.GetItems()))
	for _, it := range req.GetItems() {
		ops = append(ops, GetOperation{Key: it.GetKey(), Metadata: it.GetMetadata()})
	}
	results, err := h.svc.BulkGet(ctx, ops)
	if err := h.finish("bulk_get", start, err); err != nil {
		return nil, err
	}

	items := make([]*proto.BulkStateItem, 0, len(results))
	for _, r := range results {
		item := &proto.BulkStateItem{Key: r.Key}
		switch {
		case r.Err != nil:
			item.Error = r.Err.Error()
		case r.Item != nil:
			item.Data = r.Item.Value
			item.Etag = &proto.Etag{Value: r.Item.Etag}
		}
		items = append(items, item)
	}
	return &proto.BulkGetResponse{Items: items}, nil
}

func (h *Handler) BulkSet(ctx context.Context, req *proto.BulkSetRequest) (*proto.BulkSetResponse, error) {
	start := time.Now()
	ops := make([]SetOperation, 0, len(req.GetItems()))
	for _, it := range req.GetItems() {
		ops = append(ops, setOperation(it))
	}
	err := h.svc.BulkSet(ctx, ops)
	if err := h.finish("bulk_set", start, err); err != nil {
		return nil, err
	}
	return &proto.BulkSetResponse{}, nil
}

func (h *Handler) BulkDelete(ctx context.Context, req *proto.BulkDeleteRequest) (*proto.BulkDeleteResponse, error) {
	start := time.Now()
	ops := make([]DeleteOperation, 0, len(req.GetItems()))
	for _, it := range req.GetItems() {
		ops = append(ops, deleteOperation(it))
	}
	err := h.svc.BulkDelete(ctx, ops)
	if err := h.finish("bulk_delete", start, err); err != nil {
		return nil, err
	}
	return &proto.BulkDeleteResponse{}, nil
}

func (h *Handler) Transact(ctx context.Context, req *proto.TransactionalStateRequest) (*proto.TransactionalStateResponse, error) {
	start := time.Now()
	ops := make([]Operation, 0, len(req.GetOperations()))
	for _, op := range req.GetOperations() {
		switch r := op.GetRequest().(type) {
		case *proto.TransactionalStateOperation_Set:
			set := setOperation(r.Set)
			ops = append(ops, Operation{Set: &set})
		case *proto.TransactionalStateOperation_Delete:
			del := deleteOperation(r.Delete)
			ops = append(ops, Operation{Delete: &del})
		default:
			err := status.Error(codes.InvalidArgument, "transactional operation is neither set nor delete")
			return nil, h.finish("transact", start, err)
		}
	}
	err := h.svc.Transact(ctx, ops)
	if err := h.finish("transact", start, err); err != nil {
		return nil, err
	}
	return &proto.TransactionalStateResponse{}, nil
}

func setOperation(req *proto.SetRequest) SetOperation {
	return SetOperation{
		Key:      req.GetKey(),
		Value:    req.GetValue(),
		Etag:     etagValue(req.GetEtag()),
		Metadata: req.GetMetadata(),
	}
}

func deleteOperation(req *proto.DeleteRequest) DeleteOperation {
	return DeleteOperation{
		Key:      req.GetKey(),
		Etag:     etagValue(req.GetEtag()),
		Metadata: req.GetMetadata(),
	}
}

// etagValue converts the wire etag to the service representation. The
// sidecar sends an empty value to mean "no etag".
func etagValue(e *proto.Etag) *string {
	if e == nil || e.GetValue() == "" {
		return nil
	}
	v := e.GetValue()
	return &v
}

// finish records the operation metric and converts classified errors to
// gRPC statuses.
func (h *Handler) finish(op string, start time.Time, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.OperationDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	return h.statusErr(op, err)
}

// statusErr translates classified errors into the statuses the sidecar
// expects, attaching machine-readable details where the protocol defines
// them. Pre-built statuses pass through untouched.
func (h *Handler) statusErr(op string, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, tenant.ErrTenantRequired), errors.Is(err, tenant.ErrTenantTooLong):
		st := status.New(codes.FailedPrecondition, err.Error())
		if detailed, derr := st.WithDetails(&errdetails.BadRequest{
			FieldViolations: []*errdetails.BadRequest_FieldViolation{{
				Field:       "metadata.tenantId",
				Description: err.Error(),
			}},
		}); derr == nil {
			st = detailed
		}
		return st.Err()

	case errors.Is(err, ErrEtagMismatch):
		return etagStatus(err, "ETAG_MISMATCH")
	case errors.Is(err, ErrEtagInvalid):
		return etagStatus(err, "ETAG_INVALID")

	case errors.Is(err, ErrConfig):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrNotInitialized):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, ErrBinaryValue),
		errors.Is(err, ErrNotJSON),
		errors.Is(err, ErrTTLInvalid):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return status.Error(codes.Unavailable, err.Error())
	}

	h.logger.Error("operation failed", "operation", op, "error", err)
	return status.Error(codes.Internal, err.Error())
}

func etagStatus(err error, reason string) error {
	st := status.New(codes.FailedPrecondition, err.Error())
	if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: reason,
		Domain: errorDomain,
	}); derr == nil {
		st = detailed
	}
	return st.Err()
}
