package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

// instructionRow maps the instructions table (see migration/sql).
type instructionRow struct {
	ID            int64            `gorm:"column:id;primaryKey;autoIncrement"`
	Title         string           `gorm:"column:title"`
	AssetCode     string           `gorm:"column:asset_code"`
	Side          string           `gorm:"column:side"`
	Qty           decimal.Decimal  `gorm:"column:qty"`
	PriceType     string           `gorm:"column:price_type"`
	LimitPrice    *decimal.Decimal `gorm:"column:limit_price"`
	Urgency       string           `gorm:"column:urgency"`
	Remarks       string           `gorm:"column:remarks"`
	TargetTraders string           `gorm:"column:target_traders"`
	Deadline      *time.Time       `gorm:"column:deadline"`
	Status        string           `gorm:"column:status"`
	CreatedBy     int64            `gorm:"column:created_by"`
	CreatedByName string           `gorm:"column:created_by_name"`
	Org           string           `gorm:"column:org"`
	CreatedAt     time.Time        `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt     time.Time        `gorm:"column:updated_at;autoUpdateTime:false"`
	Version       int              `gorm:"column:version"`
}

func (instructionRow) TableName() string { return "instructions" }

type transitionRow struct {
	InstructionID int64     `gorm:"column:instruction_id;primaryKey"`
	Seq           int       `gorm:"column:seq;primaryKey"`
	Action        string    `gorm:"column:action"`
	Ack           string    `gorm:"column:ack"`
	ActorID       int64     `gorm:"column:actor_id"`
	ActorName     string    `gorm:"column:actor_name"`
	ActorRole     string    `gorm:"column:actor_role"`
	FromStatus    string    `gorm:"column:from_status"`
	ToStatus      string    `gorm:"column:to_status"`
	At            time.Time `gorm:"column:at"`
	Notes         string    `gorm:"column:notes"`
}

func (transitionRow) TableName() string { return "instruction_transitions" }

// PostgresStore is the gorm-backed store. Transitions lock the instruction
// row with SELECT ... FOR UPDATE for the duration of the write.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, in *instruction.Instruction, t instruction.Transition) (*instruction.Instruction, error) {
	out := in.Clone()
	out.ID = 0
	out.Version = 0
	if out.CreatedAt.IsZero() {
		out.CreatedAt = t.At
	}
	applyTo(out, &t)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := toRow(out)
		if err != nil {
			return err
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("insert instruction: %w", err)
		}
		out.ID = row.ID

		trow, err := toTransitionRow(out.ID, t)
		if err != nil {
			return err
		}
		return tx.Create(trow).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*instruction.Instruction, error) {
	var row instructionRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, instruction.ErrNotFound
		}
		return nil, err
	}
	return fromRow(&row)
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*instruction.Instruction, error) {
	q := s.db.WithContext(ctx).Model(&instructionRow{}).Order("id DESC")
	if f.CreatedBy != 0 {
		q = q.Where("created_by = ?", f.CreatedBy)
	}
	if f.Org != "" {
		q = q.Where("org = ?", f.Org)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []instructionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*instruction.Instruction, 0, len(rows))
	for i := range rows {
		in, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

func (s *PostgresStore) ApplyTransition(ctx context.Context, id int64, from instruction.Status, t instruction.Transition) (*instruction.Instruction, error) {
	var out *instruction.Instruction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row instructionRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return instruction.ErrNotFound
		}
		if err != nil {
			return err
		}
		if instruction.Status(row.Status) != from {
			return ErrConflict
		}

		cur, err := fromRow(&row)
		if err != nil {
			return err
		}
		applyTo(cur, &t)

		err = tx.Model(&instructionRow{}).Where("id = ?", id).Updates(map[string]any{
			"status":     string(cur.Status),
			"version":    cur.Version,
			"updated_at": cur.UpdatedAt,
		}).Error
		if err != nil {
			return err
		}
		trow, err := toTransitionRow(id, t)
		if err != nil {
			return err
		}
		if err := tx.Create(trow).Error; err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) History(ctx context.Context, id int64) ([]instruction.Transition, error) {
	var rows []transitionRow
	err := s.db.WithContext(ctx).Where("instruction_id = ?", id).Order("seq ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, instruction.ErrNotFound
	}
	out := make([]instruction.Transition, 0, len(rows))
	for _, r := range rows {
		t := instruction.Transition{
			Seq:       r.Seq,
			Action:    instruction.Action(r.Action),
			ActorID:   r.ActorID,
			ActorName: r.ActorName,
			ActorRole: instruction.Role(r.ActorRole),
			From:      instruction.Status(r.FromStatus),
			To:        instruction.Status(r.ToStatus),
			At:        r.At,
			Notes:     r.Notes,
		}
		if r.Ack != "" {
			var ack instruction.Acknowledgement
			if err := json.Unmarshal([]byte(r.Ack), &ack); err != nil {
				return nil, fmt.Errorf("decode ack %d/%d: %w", id, r.Seq, err)
			}
			t.Ack = &ack
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(in *instruction.Instruction) (*instructionRow, error) {
	targets := ""
	if len(in.TargetTraders) > 0 {
		b, err := json.Marshal(in.TargetTraders)
		if err != nil {
			return nil, err
		}
		targets = string(b)
	}
	return &instructionRow{
		ID:            in.ID,
		Title:         in.Title,
		AssetCode:     in.AssetCode,
		Side:          string(in.Side),
		Qty:           in.Qty,
		PriceType:     string(in.PriceType),
		LimitPrice:    in.LimitPrice,
		Urgency:       string(in.Urgency),
		Remarks:       in.Remarks,
		TargetTraders: targets,
		Deadline:      in.Deadline,
		Status:        string(in.Status),
		CreatedBy:     in.CreatedBy,
		CreatedByName: in.CreatedByName,
		Org:           in.Org,
		CreatedAt:     in.CreatedAt,
		UpdatedAt:     in.UpdatedAt,
		Version:       in.Version,
	}, nil
}

func fromRow(r *instructionRow) (*instruction.Instruction, error) {
	in := &instruction.Instruction{
		ID:            r.ID,
		Title:         r.Title,
		AssetCode:     r.AssetCode,
		Side:          instruction.Side(r.Side),
		Qty:           r.Qty,
		PriceType:     instruction.PriceType(r.PriceType),
		LimitPrice:    r.LimitPrice,
		Urgency:       instruction.Urgency(r.Urgency),
		Remarks:       r.Remarks,
		Deadline:      r.Deadline,
		Status:        instruction.Status(r.Status),
		CreatedBy:     r.CreatedBy,
		CreatedByName: r.CreatedByName,
		Org:           r.Org,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Version:       r.Version,
	}
	if r.TargetTraders != "" {
		if err := json.Unmarshal([]byte(r.TargetTraders), &in.TargetTraders); err != nil {
			return nil, fmt.Errorf("decode target traders of %d: %w", r.ID, err)
		}
	}
	return in, nil
}

func toTransitionRow(id int64, t instruction.Transition) (*transitionRow, error) {
	ack := ""
	if t.Ack != nil {
		b, err := json.Marshal(t.Ack)
		if err != nil {
			return nil, err
		}
		ack = string(b)
	}
	return &transitionRow{
		InstructionID: id,
		Seq:           t.Seq,
		Action:        string(t.Action),
		Ack:           ack,
		ActorID:       t.ActorID,
		ActorName:     t.ActorName,
		ActorRole:     string(t.ActorRole),
		FromStatus:    string(t.From),
		ToStatus:      string(t.To),
		At:            t.At,
		Notes:         t.Notes,
	}, nil
}

var _ Store = (*PostgresStore)(nil)
