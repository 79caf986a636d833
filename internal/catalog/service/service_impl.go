package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo catalogdomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo catalogdomain.Repository
}

func NewService(p ServiceParam) catalogdomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("catalog.service"),
		repo: p.Repo,
	}
}

func (s *Service) GetByID(ctx context.Context, id string) (catalogdomain.AddOn, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return catalogdomain.AddOn{}, catalogdomain.ErrInvalidID
	}
	addOn, err := s.repo.FindByID(ctx, s.db, parsed)
	if err != nil {
		return catalogdomain.AddOn{}, err
	}
	if addOn == nil {
		return catalogdomain.AddOn{}, catalogdomain.ErrNotFound
	}
	return *addOn, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (catalogdomain.AddOn, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return catalogdomain.AddOn{}, catalogdomain.ErrInvalidCode
	}
	addOn, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return catalogdomain.AddOn{}, err
	}
	if addOn == nil {
		return catalogdomain.AddOn{}, catalogdomain.ErrNotFound
	}
	return *addOn, nil
}

func (s *Service) ListActive(ctx context.Context) ([]catalogdomain.AddOn, error) {
	return s.repo.ListActive(ctx, s.db)
}
