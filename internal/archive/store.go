// Package archive persists terminal orders to PostgreSQL. The router
// calls it asynchronously; a slow or absent database never touches
// the trading path.
package archive

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"main/internal/router"
	"main/internal/schema"
)

const (
	defaultHost    = "localhost"
	defaultPort    = 5432
	defaultSSLMode = "disable"
)

// Option defines the PostgreSQL connection.
type Option struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Config   *gorm.Config
}

func (opt Option) dsn() string {
	host := opt.Host
	if host == "" {
		host = defaultHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}
	query := url.Values{}
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()
	return u.String()
}

// OrderRecord is one archived terminal order.
type OrderRecord struct {
	ID            uint            `gorm:"primaryKey"`
	ClientOrderID string          `gorm:"size:64;uniqueIndex"`
	VenueOrderID  string          `gorm:"size:64"`
	ParentID      string          `gorm:"size:64;index"`
	Venue         string          `gorm:"size:32;index"`
	Symbol        string          `gorm:"size:32;index"`
	Side          string          `gorm:"size:8"`
	OrderType     string          `gorm:"size:8"`
	State         string          `gorm:"size:24"`
	Reason        string          `gorm:"size:128"`
	Price         decimal.Decimal `gorm:"type:numeric"`
	Quantity      decimal.Decimal `gorm:"type:numeric"`
	Filled        decimal.Decimal `gorm:"type:numeric"`
	LastPrice     decimal.Decimal `gorm:"type:numeric"`
	SubmitTsNano  int64
	AckTsNano     int64
	Retries       int
	CreatedAt     time.Time
}

// TableName implements gorm's table naming.
func (OrderRecord) TableName() string { return "order_archive" }

// Store implements router.Archiver on PostgreSQL.
type Store struct {
	db       *gorm.DB
	registry *schema.Registry
}

// Open connects, migrates the schema and returns the store.
func Open(opt Option, registry *schema.Registry) (*Store, error) {
	config := opt.Config
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(opt.dsn()), config)
	if err != nil {
		return nil, errors.Wrap(err, "open archive database")
	}
	if err := db.AutoMigrate(&OrderRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate order archive")
	}
	return &Store{db: db, registry: registry}, nil
}

// Archive implements router.Archiver. Replays of the same client order
// id are ignored; the first terminal record wins.
func (s *Store) Archive(ctx context.Context, o router.Order) error {
	rec := s.record(o)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return errors.Wrap(err, "archive order").With("client_order_id", o.ClientOrderID)
	}
	return nil
}

func (s *Store) record(o router.Order) OrderRecord {
	venueName := ""
	if v, ok := s.registry.Venue(o.VenueID); ok {
		venueName = v.Name
	}
	symbolName := ""
	if sym, ok := s.registry.Symbol(o.SymbolID); ok {
		symbolName = sym.Name
	}
	orderType := "limit"
	if o.Type == schema.OrderTypeMarket {
		orderType = "market"
	}
	return OrderRecord{
		ClientOrderID: o.ClientOrderID,
		VenueOrderID:  o.VenueOrderID,
		ParentID:      o.ParentID,
		Venue:         venueName,
		Symbol:        symbolName,
		Side:          o.Side.String(),
		OrderType:     orderType,
		State:         o.State.String(),
		Reason:        o.Reason,
		Price:         o.Price,
		Quantity:      o.Quantity,
		Filled:        o.Filled,
		LastPrice:     o.LastPrice,
		SubmitTsNano:  o.SubmitTsNano,
		AckTsNano:     o.AckTsNano,
		Retries:       o.Retries,
	}
}

// ByParent returns the archived children of one intent.
func (s *Store) ByParent(ctx context.Context, parentID string) ([]OrderRecord, error) {
	var out []OrderRecord
	err := s.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("id asc").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "query archive by parent").With("parent_id", parentID)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
