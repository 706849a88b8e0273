package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"veille/internal/model"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store 封装 SQLite 数据库访问，负责公告的幂等写入与订阅读取。
type Store struct {
	db *gorm.DB
}

// UpsertOutcome 表示单条公告的写入结果。
type UpsertOutcome string

const (
	OutcomeCreated UpsertOutcome = "created"
	OutcomeUpdated UpsertOutcome = "updated"
	OutcomeSkipped UpsertOutcome = "skipped"
)

// PublicationQuery 提供公告查询过滤条件。
type PublicationQuery struct {
	Cantons []string
	Since   *time.Time
	Limit   int
	Offset  int
}

// NewStore 创建 Store 并自动迁移数据表。
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite 单写者，限制连接数避免 database is locked
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&model.Publication{}, &model.Subscription{}); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}

	return &Store{db: db}, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// UpsertPublication 按身份键原子写入：不存在则插入；存在且 URL 变化则更新
// url/title/description/metadata，保留 id 与原始 published_at；否则跳过。
// 两条语句均以 identity_key 为条件，不依赖先读后写，并发运行不会产生重复行。
func (s *Store) UpsertPublication(ctx context.Context, pub model.Publication) (UpsertOutcome, error) {
	pub.IdentityKey = model.IdentityKey(pub)
	if pub.ID == "" {
		pub.ID = uuid.NewString()
	}

	var outcome UpsertOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ins := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identity_key"}},
			DoNothing: true,
		}).Create(&pub)
		if ins.Error != nil {
			return fmt.Errorf("insert publication: %w", ins.Error)
		}
		if ins.RowsAffected == 1 {
			outcome = OutcomeCreated
			return nil
		}

		upd := tx.Model(&model.Publication{}).
			Where("identity_key = ? AND url <> ?", pub.IdentityKey, pub.URL).
			Updates(map[string]any{
				"url":         pub.URL,
				"title":       pub.Title,
				"description": pub.Description,
				"metadata":    pub.Metadata,
				"updated_at":  time.Now().UTC(),
			})
		if upd.Error != nil {
			return fmt.Errorf("update publication: %w", upd.Error)
		}
		if upd.RowsAffected > 0 {
			outcome = OutcomeUpdated
		} else {
			outcome = OutcomeSkipped
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// GetPublicationByIdentity 根据身份键获取公告。
func (s *Store) GetPublicationByIdentity(ctx context.Context, identityKey string) (*model.Publication, error) {
	var pub model.Publication
	if err := s.db.WithContext(ctx).First(&pub, "identity_key = ?", identityKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get publication: %w", err)
	}
	return &pub, nil
}

// ListPublications 返回按发布时间倒序的公告列表。
func (s *Store) ListPublications(ctx context.Context, q PublicationQuery) ([]model.Publication, error) {
	var pubs []model.Publication
	query := applyPublicationFilters(s.db.WithContext(ctx).Model(&model.Publication{}), q).
		Order("published_at DESC").Order("id")
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	if err := query.Find(&pubs).Error; err != nil {
		return nil, fmt.Errorf("list publications: %w", err)
	}
	return pubs, nil
}

// CountPublications 返回满足过滤条件的公告数量。
func (s *Store) CountPublications(ctx context.Context, q PublicationQuery) (int64, error) {
	var total int64
	if err := applyPublicationFilters(s.db.WithContext(ctx).Model(&model.Publication{}), q).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("count publications: %w", err)
	}
	return total, nil
}

// ListPublicationsSince 返回指定州内晚于 since 发布的公告，since 为 nil 时不限时间。
func (s *Store) ListPublicationsSince(ctx context.Context, cantons []string, since *time.Time) ([]model.Publication, error) {
	if len(cantons) == 0 {
		return nil, nil
	}
	return s.ListPublications(ctx, PublicationQuery{Cantons: cantons, Since: since})
}

// CreateSubscription 新增订阅，供测试与外部初始化使用。
func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// ListAlertSubscriptions 返回 active、开启邮件通知且州范围非空的订阅。
func (s *Store) ListAlertSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := s.db.WithContext(ctx).
		Where("active = ? AND email_notifications = ?", true, true).
		Order("id ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	out := subs[:0]
	for _, sub := range subs {
		if len(sub.Cantons) > 0 {
			out = append(out, sub)
		}
	}
	return out, nil
}

// GetSubscription 根据 ID 获取订阅。
func (s *Store) GetSubscription(ctx context.Context, id uint) (*model.Subscription, error) {
	var sub model.Subscription
	if err := s.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// GetActiveSubscription 返回机构当前的 active 订阅。
func (s *Store) GetActiveSubscription(ctx context.Context, organizationID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.db.WithContext(ctx).Where("organization_id = ? AND active = ?", organizationID, true).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get active subscription: %w", err)
	}
	return &sub, nil
}

// MarkAlertSent 在确认发送成功后写入 last_alert_sent。
func (s *Store) MarkAlertSent(ctx context.Context, id uint, at time.Time) error {
	tx := s.db.WithContext(ctx).Model(&model.Subscription{}).Where("id = ?", id).Update("last_alert_sent", at.UTC())
	if tx.Error != nil {
		return fmt.Errorf("mark alert sent: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("mark alert sent: subscription %d not found", id)
	}
	return nil
}

func applyPublicationFilters(db *gorm.DB, q PublicationQuery) *gorm.DB {
	if len(q.Cantons) > 0 {
		cantons := make([]string, 0, len(q.Cantons))
		for _, c := range q.Cantons {
			if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
				cantons = append(cantons, c)
			}
		}
		db = db.Where("canton IN ?", cantons)
	}
	if q.Since != nil && !q.Since.IsZero() {
		db = db.Where("published_at > ?", q.Since.UTC())
	}
	return db
}

// ReplaceActiveSubscription 在事务中停用机构现有的 active 订阅并写入新订阅，
// 沿用原订阅的 last_alert_sent，避免修改设置后重复推送。
func (s *Store) ReplaceActiveSubscription(ctx context.Context, sub *model.Subscription) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev model.Subscription
		err := tx.Where("organization_id = ? AND active = ?", sub.OrganizationID, true).First(&prev).Error
		switch {
		case err == nil:
			if sub.LastAlertSent == nil {
				sub.LastAlertSent = prev.LastAlertSent
			}
			if err := tx.Model(&model.Subscription{}).Where("id = ?", prev.ID).Update("active", false).Error; err != nil {
				return fmt.Errorf("deactivate subscription: %w", err)
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load active subscription: %w", err)
		}

		sub.ID = 0
		sub.Active = true
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		return nil
	})
}
