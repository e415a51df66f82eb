package products

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

// RepositoryPort defines data access methods for products.
type RepositoryPort interface {
	List(ctx context.Context, limit, offset int) ([]Product, error)
	Count(ctx context.Context) (int, error)
	Get(ctx context.Context, id int64) (Product, error)
	Create(ctx context.Context, in Input) (Product, error)
	Update(ctx context.Context, id int64, in Input) (Product, error)
	Delete(ctx context.Context, id int64) error
	Report(ctx context.Context) (Report, error)
}

// Page is one page of the product list.
type Page struct {
	Products   []Product
	Pagination shared.Pagination
}

// Service handles product business logic.
type Service struct {
	repo      RepositoryPort
	audit     shared.AuditRecorder
	logger    *slog.Logger
	validator *validator.Validate
}

// NewService builds Service instance. audit may be nil.
func NewService(repo RepositoryPort, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{repo: repo, audit: audit, logger: logger, validator: validator.New()}
}

// List returns the requested page.
func (s *Service) List(ctx context.Context, page, perPage int) (Page, error) {
	total, err := s.repo.Count(ctx)
	if err != nil {
		return Page{}, err
	}
	pagination := shared.NewPagination(page, perPage, total)
	items, err := s.repo.List(ctx, pagination.PerPage, pagination.Offset())
	if err != nil {
		return Page{}, err
	}
	return Page{Products: items, Pagination: pagination}, nil
}

// Count returns the number of products.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// Get returns one product.
func (s *Service) Get(ctx context.Context, id int64) (Product, error) {
	return s.repo.Get(ctx, id)
}

// Create validates and stores a product.
func (s *Service) Create(ctx context.Context, actorID int64, in Input) (Product, error) {
	in = normalize(in)
	if err := shared.ValidateStruct(s.validator, in); err != nil {
		return Product{}, err
	}
	product, err := s.repo.Create(ctx, in)
	if err != nil {
		return Product{}, err
	}
	s.record(ctx, actorID, shared.AuditProductCreated, product.ID, map[string]any{"code": product.Code})
	return product, nil
}

// Update validates and overwrites a product.
func (s *Service) Update(ctx context.Context, actorID, id int64, in Input) (Product, error) {
	in = normalize(in)
	if err := shared.ValidateStruct(s.validator, in); err != nil {
		return Product{}, err
	}
	product, err := s.repo.Update(ctx, id, in)
	if err != nil {
		return Product{}, err
	}
	s.record(ctx, actorID, shared.AuditProductUpdated, product.ID, map[string]any{"code": product.Code})
	return product, nil
}

// Delete removes a product.
func (s *Service) Delete(ctx context.Context, actorID, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actorID, shared.AuditProductDeleted, id, nil)
	return nil
}

// Report summarises the catalogue.
func (s *Service) Report(ctx context.Context) (Report, error) {
	return s.repo.Report(ctx)
}

func (s *Service) record(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entry := shared.AuditLog{ActorID: actorID, Action: action, Entity: rbac.EntityProducts, EntityID: strconv.FormatInt(id, 10), Meta: meta}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit product change", slog.String("action", action), slog.Int64("product_id", id), slog.Any("error", err))
	}
}

func normalize(in Input) Input {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	return in
}
