package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/db"
	"github.com/goatnetwork/goat-mixer/internal/mixer"
	"github.com/goatnetwork/goat-mixer/internal/types"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const dueBatchSize = 100

// Payer sends one due distribution and returns its transaction hash.
type Payer interface {
	Pay(ctx context.Context, d db.ScheduledDistribution) (string, error)
}

// Scheduler persists delayed payouts and pays them once their time has come.
type Scheduler struct {
	db       *gorm.DB
	payer    Payer
	interval time.Duration
	now      func() time.Time
}

var _ mixer.Scheduler = (*Scheduler)(nil)

// NewScheduler stores distributions in the distribution database. Without a payer
// due distributions stay scheduled.
func NewScheduler(distributionDb *gorm.DB, payer Payer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{db: distributionDb, payer: payer, interval: interval, now: time.Now}
}

func (s *Scheduler) ScheduleDistribution(ctx context.Context, d types.Distribution) error {
	now := s.now().UTC()
	row := &db.ScheduledDistribution{
		MixID:     d.MixID,
		ToAddress: d.ToAddress,
		Amount:    int64(d.Amount),
		Currency:  d.Currency,
		ExecuteAt: now.Add(d.Delay),
		Status:    db.DISTRIBUTION_STATUS_SCHEDULED,
		CreatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to save distribution of mix %s: %w", d.MixID, err)
	}
	log.Debugf("Scheduled distribution %d of mix %s: %s %s to %s at %s",
		row.ID, d.MixID, d.Amount, d.Currency, d.ToAddress, row.ExecuteAt.Format(time.RFC3339))
	return nil
}

// Due returns scheduled distributions whose execution time is not after now.
func (s *Scheduler) Due(ctx context.Context, now time.Time, limit int) ([]db.ScheduledDistribution, error) {
	var rows []db.ScheduledDistribution
	err := s.db.WithContext(ctx).
		Where("status = ? AND execute_at <= ?", db.DISTRIBUTION_STATUS_SCHEDULED, now.UTC()).
		Order("execute_at").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ForMix returns every distribution of a mix in execution order.
func (s *Scheduler) ForMix(ctx context.Context, mixID string) ([]db.ScheduledDistribution, error) {
	var rows []db.ScheduledDistribution
	err := s.db.WithContext(ctx).Where("mix_id = ?", mixID).Order("execute_at").Find(&rows).Error
	return rows, err
}

func (s *Scheduler) MarkPaid(ctx context.Context, id uint, txHash string) error {
	res := s.db.WithContext(ctx).Model(&db.ScheduledDistribution{}).
		Where("id = ? AND status = ?", id, db.DISTRIBUTION_STATUS_SCHEDULED).
		Updates(map[string]interface{}{"status": db.DISTRIBUTION_STATUS_PAID, "tx_hash": txHash})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("distribution %d is not scheduled", id)
	}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.payer == nil {
		log.Warn("Scheduler has no payer, due distributions stay scheduled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Scheduler stopping...")
			return
		case <-ticker.C:
			s.payDue(ctx)
		}
	}
}

// payDue pays one batch of due distributions. Failed payouts stay scheduled for the next tick.
func (s *Scheduler) payDue(ctx context.Context) int {
	due, err := s.Due(ctx, s.now(), dueBatchSize)
	if err != nil {
		log.Errorf("Scheduler failed to query due distributions: %v", err)
		return 0
	}
	paid := 0
	for _, d := range due {
		if ctx.Err() != nil {
			return paid
		}
		txHash, err := s.payer.Pay(ctx, d)
		if err != nil {
			log.Warnf("Scheduler failed to pay distribution %d of mix %s: %v", d.ID, d.MixID, err)
			continue
		}
		if err := s.MarkPaid(ctx, d.ID, txHash); err != nil {
			log.Errorf("Scheduler paid distribution %d in %s but failed to mark it: %v", d.ID, txHash, err)
			continue
		}
		log.Infof("Scheduler paid distribution %d of mix %s, txid %s", d.ID, d.MixID, txHash)
		paid++
	}
	return paid
}
