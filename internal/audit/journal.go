package audit

/*
Файл journal.go реализует журнал аудита шлюза.

Две части:
- In-process журнал: синхронная append-only запись в память с порядковым номером
  и хэш-цепочкой blake3. Log возвращается только после того, как запись видна
  в журнале, поэтому "ровно одна запись на запрос" проверяется без ожиданий.
- Sink worker: неблокирующая передача записей во внешнее хранилище (Postgres/SQLite)
  через буферизованный канал, пакетная запись по таймеру или по лимиту,
  повтор при кратковременных сбоях и полная вычитка буфера при остановке (Drain Pattern).
*/

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink определяет, куда физически сохраняются записи сверх времени жизни процесса
type Sink interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []Record) error
}

// Auditor — то, чем пользуются Router и Egress Engine
type Auditor interface {
	Log(rec Record) Record
}

type Journal struct {
	mu       sync.Mutex
	records  []Record
	seq      uint64
	lastHash []byte
	closed   bool

	// проверенный префикс цепочки: Verify пересчитывает только новые записи
	verifyMu     sync.Mutex
	verified     int
	verifiedHash []byte

	ch     chan Record // Буфер для sink-воркера
	sink   Sink        // nil — только память
	logger *zap.Logger
	wg     sync.WaitGroup

	batchSize     int
	flushInterval time.Duration
	attempts      uint
	now           func() time.Time
}

type Option func(*Journal)

func WithBuffer(size int) Option {
	return func(j *Journal) {
		if size > 0 {
			j.ch = make(chan Record, size)
		}
	}
}

func WithBatch(size int, interval time.Duration) Option {
	return func(j *Journal) {
		if size > 0 {
			j.batchSize = size
		}
		if interval > 0 {
			j.flushInterval = interval
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

func NewJournal(sink Sink, logger *zap.Logger, opts ...Option) *Journal {
	j := &Journal{
		ch:            make(chan Record, 10000), // Очередь на 10к записей
		sink:          sink,
		logger:        logger.With(zap.String("mod", "audit")),
		batchSize:     100,
		flushInterval: 500 * time.Millisecond,
		attempts:      3,
		now:           time.Now,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Start запускает sink-воркер. Без sink ничего не делает.
func (j *Journal) Start() {
	if j.sink == nil {
		return
	}
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
// Запись в память после Stop продолжает работать.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	// Отправка в канал идет под тем же мьютексом, поэтому send-on-closed невозможен
	close(j.ch)
	j.mu.Unlock()

	j.logger.Info("stopping audit sink: flushing buffer...")
	j.wg.Wait()
	j.logger.Info("audit sink stopped gracefully")
}

// Log добавляет запись в журнал и возвращает её с проставленными ID, Seq и хэшами.
func (j *Journal) Log(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	// Убеждаемся, что таймстемп всегда проставлен
	if rec.Timestamp.IsZero() {
		rec.Timestamp = j.now()
	}
	rec.Detail = normalizeDetail(rec.Detail)

	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	rec.Seq = j.seq
	rec.PrevHash = hex.EncodeToString(j.lastHash)
	sum, err := chainHash(j.lastHash, rec)
	if err != nil {
		// Цепочка важнее детализации: хэшируем без detail
		j.logger.Error("audit hash failed, detail dropped", zap.Uint64("seq", rec.Seq), zap.Error(err))
		rec.Detail = nil
		sum, _ = chainHash(j.lastHash, rec)
	}
	rec.Hash = hex.EncodeToString(sum)
	j.lastHash = sum
	j.records = append(j.records, rec)

	if j.sink == nil {
		return rec
	}
	if j.closed {
		j.logger.Warn("audit record not persisted: sink is stopping", zap.String("id", rec.ID))
		return rec
	}
	// Load Shedding: хранилище не должно тормозить Hot Path
	select {
	case j.ch <- rec:
	default:
		j.logger.Error("audit_sink_overflow",
			zap.String("id", rec.ID),
			zap.String("subject", rec.Subject),
			zap.String("trace_id", rec.TraceID),
		)
	}
	return rec
}

// Records возвращает копию записей, подходящих под фильтр (последние Limit штук).
func (j *Journal) Records(f Filter) []Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Record, 0, len(j.records))
	for _, r := range j.records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

// Pending — сколько записей ждут sink (для метрики заполненности буфера)
func (j *Journal) Pending() int {
	return len(j.ch)
}

// Verify проверяет хэш-цепочку. Уже проверенный префикс не пересчитывается,
// продолжаем от последнего проверенного хэша.
func (j *Journal) Verify() error {
	j.verifyMu.Lock()
	defer j.verifyMu.Unlock()

	j.mu.Lock()
	tail := append([]Record(nil), j.records[j.verified:]...)
	j.mu.Unlock()

	last, err := verifyFrom(j.verifiedHash, j.verified, tail)
	if err != nil {
		return err
	}
	j.verified += len(tail)
	j.verifiedHash = last
	return nil
}

// Verified — сколько записей с начала журнала уже прошли проверку цепочки
func (j *Journal) Verified() int {
	j.verifyMu.Lock()
	defer j.verifyMu.Unlock()
	return j.verified
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Record, 0, j.batchSize)
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Используем Background, так как основной контекст может быть уже закрыт
		r := retry.New(
			retry.Context(context.Background()),
			retry.Attempts(j.attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				d := retry.BackOffDelay(n, err, config)
				if d > 2*time.Second {
					d = 2 * time.Second
				}
				return d
			}),
		)
		if err := r.Do(func() error {
			return j.sink.WriteBatch(context.Background(), batch)
		}); err != nil {
			j.logger.Error("audit flush failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop(): остатки уже вычитаны, делаем финальный flush
				flush()
				j.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
