// Package importer periodically pulls stable listings from an upstream feed and
// writes them through the store, which announces every change on the change feed.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"stable-sync-backend/config"
	"stable-sync-backend/internal/model"
	"stable-sync-backend/internal/parse"
)

// Catalog is the write side of the store the importer needs.
type Catalog interface {
	SaveRental(ctx context.Context, r model.Rental) (model.Rental, error)
	SaveUnit(ctx context.Context, u model.Unit) (model.Unit, error)
}

// Result summarizes one import cycle.
type Result struct {
	Rentals int
	Units   int
	Written int
	Skipped int
	Invalid int
}

// Service orchestrates the import process.
type Service struct {
	cfg     config.ImporterConfig
	catalog Catalog
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	// last holds what was written per id, so unchanged listings are not rewritten.
	last map[string]string
}

// NewService creates and initializes a new import service.
func NewService(cfg config.ImporterConfig, catalog Catalog, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	var transport http.RoundTripper = &http.Transport{}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			logger.Warn("invalid proxy URL; importer will not use a proxy", zap.String("proxy", cfg.HTTPProxy), zap.Error(err))
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	pps := cfg.PagesPerSecond
	if pps <= 0 {
		pps = 2
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}

	return &Service{
		cfg:     cfg,
		catalog: catalog,
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(pps), 1),
		logger:  logger,
		last:    make(map[string]string),
	}
}

// Run imports once and then on every interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("importer is disabled; not starting")
		return
	}
	s.logger.Info("starting importer", zap.String("url", s.cfg.URL), zap.Duration("interval", s.cfg.Interval))

	s.ImportOnce(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("importer shutting down")
			return
		case <-timer.C:
			s.ImportOnce(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// ImportOnce fetches every page of the feed and writes rentals, then their units.
func (s *Service) ImportOnce(ctx context.Context) Result {
	var res Result

	var items []ApiRental
	total := 1
	pageSize := s.cfg.PageSize
	var fetchErr error
	for page := 1; (page-1)*pageSize < total; page++ {
		resp, err := s.fetchPage(ctx, page)
		if err != nil {
			s.logger.Warn("failed to fetch page", zap.Int("page", page), zap.Error(err))
			fetchErr = err
			break
		}
		if resp.Data.Total == 0 || len(resp.Data.Items) == 0 {
			break
		}
		total = resp.Data.Total
		items = append(items, resp.Data.Items...)
	}

	if fetchErr != nil && len(items) == 0 {
		s.logger.Warn("import cycle aborted: nothing fetched")
		return res
	}

	for _, item := range items {
		rental, units, err := convert(item)
		if err != nil {
			res.Invalid++
			s.logger.Warn("skipping listing", zap.String("id", item.ID), zap.Error(err))
			continue
		}
		res.Rentals++
		if err := s.save("rental:"+rental.ID, rentalKey(rental), func() error {
			_, err := s.catalog.SaveRental(ctx, rental)
			return err
		}, &res); err != nil {
			s.logger.Error("failed to save rental", zap.String("id", rental.ID), zap.Error(err))
			continue
		}
		for _, u := range units {
			res.Units++
			if err := s.save("unit:"+u.ID, unitKey(u), func() error {
				_, err := s.catalog.SaveUnit(ctx, u)
				return err
			}, &res); err != nil {
				s.logger.Error("failed to save unit", zap.String("id", u.ID), zap.Error(err))
			}
		}
	}

	s.logger.Info("import cycle finished",
		zap.Int("rentals", res.Rentals), zap.Int("units", res.Units),
		zap.Int("written", res.Written), zap.Int("skipped", res.Skipped), zap.Int("invalid", res.Invalid))
	return res
}

func (s *Service) save(id, key string, write func() error, res *Result) error {
	if s.last[id] == key {
		res.Skipped++
		return nil
	}
	if err := write(); err != nil {
		return err
	}
	s.last[id] = key
	res.Written++
	return nil
}

func convert(item ApiRental) (model.Rental, []model.Unit, error) {
	if item.ID == "" || item.OwnerID == "" {
		return model.Rental{}, nil, fmt.Errorf("listing needs id and ownerId")
	}
	rental := model.Rental{
		ID:        item.ID,
		Title:     item.Title,
		OwnerID:   item.OwnerID,
		Location:  item.Location,
		Published: item.Published,
	}
	if item.Price != "" {
		p, err := parse.Price(item.Price)
		if err != nil {
			return model.Rental{}, nil, err
		}
		rental.PricePerMonth = p
	}

	units := make([]model.Unit, 0, len(item.Units))
	for _, au := range item.Units {
		if au.ID == "" {
			return model.Rental{}, nil, fmt.Errorf("unit without id")
		}
		u := model.Unit{ID: au.ID, RentalID: item.ID, Name: au.Name, Price: rental.PricePerMonth}
		if au.Price != "" {
			p, err := parse.Price(au.Price)
			if err != nil {
				return model.Rental{}, nil, fmt.Errorf("unit %s: %w", au.ID, err)
			}
			u.Price = p
		}
		u.Available = true
		if au.Availability != "" {
			available, err := parse.Availability(au.Availability)
			if err != nil {
				return model.Rental{}, nil, fmt.Errorf("unit %s: %w", au.ID, err)
			}
			u.Available = available
		}
		units = append(units, u)
	}
	return rental, units, nil
}

func rentalKey(r model.Rental) string {
	return fmt.Sprintf("%s|%s|%s|%.2f|%t", r.Title, r.OwnerID, r.Location, r.PricePerMonth, r.Published)
}

func unitKey(u model.Unit) string {
	return fmt.Sprintf("%s|%s|%.2f|%t", u.RentalID, u.Name, u.Price, u.Available)
}

// fetchPage fetches a single page of listings from the upstream feed.
func (s *Service) fetchPage(ctx context.Context, page int) (*ApiResponse, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	jsonBody, err := json.Marshal(map[string]any{"page": page, "pageSize": s.cfg.PageSize})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var apiResp ApiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if apiResp.Code != 0 {
		return nil, fmt.Errorf("upstream returned code %d", apiResp.Code)
	}
	return &apiResp, nil
}
