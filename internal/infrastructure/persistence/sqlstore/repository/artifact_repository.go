package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gorm.io/gorm"

	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/errs"
	"forecastcache/internal/infrastructure/persistence/sqlstore/model"
	"forecastcache/internal/ports"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 1000

	// Audio below this size is stored as-is even when compression is on.
	compressThreshold = 1024
	codecZstd         = "zstd"
)

// summaryColumns excludes the blobs; history and stats never load them.
var summaryColumns = []string{
	"id", "subject", "generated_at", "expires_at", "text_encoding", "text_size_bytes",
	"language", "locale", "audio_format", "audio_size_bytes", "created_at",
}

type Options struct {
	DefaultTTL      time.Duration
	DefaultEncoding artifact.Encoding
	CompressAudio   bool
	Now             func() time.Time
}

type ArtifactRepository struct {
	db      *gorm.DB
	opts    Options
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ ports.ArtifactStore = (*ArtifactRepository)(nil)

func NewArtifactRepository(db *gorm.DB, opts Options) (*ArtifactRepository, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if opts.DefaultTTL <= 0 {
		return nil, errors.New("default ttl must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errs.Wrap(err, "create zstd encoder")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errs.Wrap(err, "create zstd decoder")
	}

	return &ArtifactRepository{
		db:      db,
		opts:    opts,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Close releases the compression workers. The *gorm.DB is owned elsewhere.
func (r *ArtifactRepository) Close() error {
	r.decoder.Close()
	return r.encoder.Close()
}

func (r *ArtifactRepository) Put(ctx context.Context, draft artifact.Draft) (ports.Artifact, error) {
	if ctx == nil {
		return ports.Artifact{}, errors.New("context is required")
	}

	draft = draft.Normalize()
	if err := draft.Validate(); err != nil {
		return ports.Artifact{}, err
	}

	ttl := draft.TTL
	if ttl == 0 {
		ttl = r.opts.DefaultTTL
	}

	preferred := draft.Encoding
	if preferred == "" {
		preferred = r.opts.DefaultEncoding
	}
	textBytes, used, err := artifact.Encode(draft.Text, preferred)
	if err != nil {
		return ports.Artifact{}, errs.Mark(errs.Wrap(err, "encode text"), artifact.ErrInvalidRecord)
	}
	if _, err := artifact.Decode(textBytes, used); err != nil {
		return ports.Artifact{}, errs.Mark(errs.Wrap(err, "verify encoded text"), artifact.ErrInvalidRecord)
	}

	metadata := make(map[string]any, len(draft.Metadata)+4)
	for k, v := range draft.Metadata {
		metadata[k] = v
	}
	metadata[artifact.MetaTTLSeconds] = int64(ttl / time.Second)
	metadata[artifact.MetaCharacterCount] = len([]rune(draft.Text))
	metadata[artifact.MetaEncodingUsed] = string(used)
	delete(metadata, artifact.MetaAudioCodec)

	storedAudio := draft.Audio
	if r.opts.CompressAudio && len(draft.Audio) > compressThreshold {
		compressed := r.encoder.EncodeAll(draft.Audio, nil)
		if len(compressed) < len(draft.Audio) {
			storedAudio = compressed
			metadata[artifact.MetaAudioCodec] = codecZstd
		}
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return ports.Artifact{}, errs.Mark(errs.Wrap(err, "marshal metadata"), artifact.ErrInvalidRecord)
	}

	audioFormat := draft.AudioFormat
	if audioFormat == "" {
		audioFormat = artifact.DefaultAudioFormat
	}

	now := r.now()
	row := model.Artifact{
		ID:           uuid.NewString(),
		Subject:      draft.Subject,
		GeneratedAt:  now,
		ExpiresAt:    now.Add(ttl),
		TextBytes:    textBytes,
		TextEncoding: string(used),
		TextSize:     int64(len(textBytes)),
		Language:     nullable(draft.Language),
		Locale:       nullable(draft.Locale),
		AudioBytes:   storedAudio,
		AudioFormat:  audioFormat,
		AudioSize:    int64(len(draft.Audio)),
		Metadata:     string(metaJSON),
		CreatedAt:    now,
	}

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ports.Artifact{}, unavailable(err, "insert artifact")
	}

	stored := mapSummary(row, now)
	return ports.Artifact{
		ID:           stored.ID,
		Subject:      stored.Subject,
		GeneratedAt:  stored.GeneratedAt,
		ExpiresAt:    stored.ExpiresAt,
		CreatedAt:    stored.CreatedAt,
		Text:         draft.Text,
		TextEncoding: used,
		DecodedWith:  used,
		Language:     stored.Language,
		Locale:       stored.Locale,
		Audio:        draft.Audio,
		AudioFormat:  stored.AudioFormat,
		TextSize:     stored.TextSize,
		AudioSize:    stored.AudioSize,
		Metadata:     metadata,
	}, nil
}

// GetLatestValid returns the newest non-expired artifact for subject. Newest
// is decided by generated_at inside one query, so concurrent puts resolve to
// the later generation.
func (r *ArtifactRepository) GetLatestValid(ctx context.Context, subject string, language string) (ports.Artifact, bool, error) {
	if ctx == nil {
		return ports.Artifact{}, false, errors.New("context is required")
	}

	subject = artifact.NormalizeSubject(subject)
	if subject == "" {
		return ports.Artifact{}, false, fmt.Errorf("%w: subject is required", artifact.ErrInvalidRecord)
	}

	query := r.db.WithContext(ctx).
		Where("subject = ? AND expires_at > ?", subject, r.now())
	if language = artifact.NormalizeLanguage(language); language != "" {
		query = query.Where("language = ?", language)
	}

	var rows []model.Artifact
	if err := query.
		Order("generated_at desc").
		Order("created_at desc").
		Limit(1).
		Find(&rows).Error; err != nil {
		return ports.Artifact{}, false, unavailable(err, "query latest artifact")
	}
	if len(rows) == 0 {
		return ports.Artifact{}, false, nil
	}

	item, err := r.decodeRow(ctx, rows[0])
	if err != nil {
		return ports.Artifact{}, false, err
	}
	return item, true, nil
}

// ListHistory lists newest first and includes expired rows. An empty subject
// lists every subject.
func (r *ArtifactRepository) ListHistory(ctx context.Context, subject string, limit int) ([]ports.ArtifactSummary, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := r.db.WithContext(ctx).Model(&model.Artifact{}).Select(summaryColumns)
	if subject = artifact.NormalizeSubject(subject); subject != "" {
		query = query.Where("subject = ?", subject)
	}

	var rows []model.Artifact
	if err := query.
		Order("generated_at desc").
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, unavailable(err, "query artifact history")
	}

	now := r.now()
	items := make([]ports.ArtifactSummary, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapSummary(row, now))
	}
	return items, nil
}

// DeleteExpired hard-deletes rows whose expires_at is before now. Only rows
// already past expiry are touched, so live reads are unaffected.
func (r *ArtifactRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}

	result := r.db.WithContext(ctx).
		Where("expires_at < ?", now.UTC()).
		Delete(&model.Artifact{})
	if result.Error != nil {
		return 0, unavailable(result.Error, "delete expired artifacts")
	}
	return result.RowsAffected, nil
}

type statsTotals struct {
	Records    int64
	TextBytes  int64
	AudioBytes int64
}

type statsBucket struct {
	Label string
	Count int64
}

type subjectBucket struct {
	Subject         string
	Count           int64
	TextBytes       int64
	AudioBytes      int64
	LatestGenerated string
}

func (r *ArtifactRepository) Stats(ctx context.Context) (ports.StoreStats, error) {
	if ctx == nil {
		return ports.StoreStats{}, errors.New("context is required")
	}
	db := r.db.WithContext(ctx)

	var totals statsTotals
	if err := db.Model(&model.Artifact{}).
		Select("COUNT(*) AS records, COALESCE(SUM(text_size_bytes), 0) AS text_bytes, COALESCE(SUM(audio_size_bytes), 0) AS audio_bytes").
		Scan(&totals).Error; err != nil {
		return ports.StoreStats{}, unavailable(err, "query artifact totals")
	}

	var encodings []statsBucket
	if err := db.Model(&model.Artifact{}).
		Select("text_encoding AS label, COUNT(*) AS count").
		Group("text_encoding").
		Scan(&encodings).Error; err != nil {
		return ports.StoreStats{}, unavailable(err, "query encoding breakdown")
	}

	var languages []statsBucket
	if err := db.Model(&model.Artifact{}).
		Select("COALESCE(language, '') AS label, COUNT(*) AS count").
		Group("language").
		Scan(&languages).Error; err != nil {
		return ports.StoreStats{}, unavailable(err, "query language breakdown")
	}

	var subjects []subjectBucket
	if err := db.Model(&model.Artifact{}).
		Select("subject, COUNT(*) AS count, COALESCE(SUM(text_size_bytes), 0) AS text_bytes, COALESCE(SUM(audio_size_bytes), 0) AS audio_bytes, MAX(generated_at) AS latest_generated").
		Where("expires_at > ?", r.now()).
		Group("subject").
		Order("count desc").
		Order("subject asc").
		Scan(&subjects).Error; err != nil {
		return ports.StoreStats{}, unavailable(err, "query subject breakdown")
	}

	stats := ports.StoreStats{
		TotalRecords:    totals.Records,
		TotalTextBytes:  totals.TextBytes,
		TotalAudioBytes: totals.AudioBytes,
		ByEncoding:      make(map[string]int64, len(encodings)),
		ByLanguage:      make(map[string]int64, len(languages)),
		Subjects:        make([]ports.SubjectStats, 0, len(subjects)),
	}
	for _, b := range encodings {
		stats.ByEncoding[b.Label] += b.Count
	}
	for _, b := range languages {
		label := b.Label
		if label == "" {
			label = "und"
		}
		stats.ByLanguage[label] += b.Count
	}
	for _, b := range subjects {
		stats.Subjects = append(stats.Subjects, ports.SubjectStats{
			Subject:         b.Subject,
			Count:           b.Count,
			TextBytes:       b.TextBytes,
			AudioBytes:      b.AudioBytes,
			LatestGenerated: parseDBTime(b.LatestGenerated),
		})
	}
	return stats, nil
}

func (r *ArtifactRepository) Health(ctx context.Context) ports.HealthReport {
	if ctx == nil {
		ctx = context.Background()
	}

	report := ports.HealthReport{Driver: r.db.Dialector.Name()}

	sqlDB, err := r.db.DB()
	if err != nil {
		report.Error = errs.Wrap(err, "get sql db").Error()
		return report
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		report.Error = errs.Wrap(err, "ping database").Error()
		return report
	}
	report.Connected = true

	versionQuery := "SELECT version()"
	if strings.HasPrefix(report.Driver, "sqlite") {
		versionQuery = "SELECT sqlite_version()"
	}
	var version string
	if err := r.db.WithContext(ctx).Raw(versionQuery).Scan(&version).Error; err != nil {
		report.Error = errs.Wrap(err, "query server version").Error()
	}
	report.Version = version
	report.TableExists = r.db.WithContext(ctx).Migrator().HasTable(&model.Artifact{})
	return report
}

func (r *ArtifactRepository) decodeRow(ctx context.Context, row model.Artifact) (ports.Artifact, error) {
	tag := artifact.Encoding(row.TextEncoding)
	text, used, err := artifact.DecodeWithFallback(row.TextBytes, tag)
	if err != nil {
		return ports.Artifact{}, errs.Wrapf(err, "decode artifact %s", row.ID)
	}
	if used != tag {
		logging.Warn(
			logging.WithAttrs(ctx, slog.String("component", "sqlstore.artifacts")),
			"stored encoding tag did not decode, used fallback",
			slog.String("artifact_id", row.ID),
			slog.String("stored_encoding", row.TextEncoding),
			slog.String("decoded_with", string(used)),
		)
	}

	metadata := map[string]any{}
	if strings.TrimSpace(row.Metadata) != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &metadata); err != nil {
			return ports.Artifact{}, errs.Wrapf(err, "unmarshal metadata of artifact %s", row.ID)
		}
	}

	audio := row.AudioBytes
	if codec, _ := metadata[artifact.MetaAudioCodec].(string); codec == codecZstd && len(audio) > 0 {
		audio, err = r.decoder.DecodeAll(row.AudioBytes, nil)
		if err != nil {
			return ports.Artifact{}, errs.Wrapf(err, "decompress audio of artifact %s", row.ID)
		}
	}
	if len(audio) == 0 {
		audio = nil
	}

	summary := mapSummary(row, r.now())
	return ports.Artifact{
		ID:           summary.ID,
		Subject:      summary.Subject,
		GeneratedAt:  summary.GeneratedAt,
		ExpiresAt:    summary.ExpiresAt,
		CreatedAt:    summary.CreatedAt,
		Text:         text,
		TextEncoding: tag,
		DecodedWith:  used,
		Language:     summary.Language,
		Locale:       summary.Locale,
		Audio:        audio,
		AudioFormat:  summary.AudioFormat,
		TextSize:     summary.TextSize,
		AudioSize:    summary.AudioSize,
		Metadata:     metadata,
	}, nil
}

// now is truncated to microseconds so values survive a PostgreSQL round trip.
func (r *ArtifactRepository) now() time.Time {
	return r.opts.Now().UTC().Truncate(time.Microsecond)
}

func mapSummary(row model.Artifact, now time.Time) ports.ArtifactSummary {
	return ports.ArtifactSummary{
		ID:           row.ID,
		Subject:      row.Subject,
		GeneratedAt:  row.GeneratedAt.UTC(),
		ExpiresAt:    row.ExpiresAt.UTC(),
		CreatedAt:    row.CreatedAt.UTC(),
		Expired:      !row.ExpiresAt.After(now),
		TextEncoding: artifact.Encoding(row.TextEncoding),
		Language:     deref(row.Language),
		Locale:       deref(row.Locale),
		AudioFormat:  row.AudioFormat,
		TextSize:     row.TextSize,
		AudioSize:    row.AudioSize,
	}
}

func unavailable(err error, msg string) error {
	return errs.Mark(errs.Wrap(err, msg), artifact.ErrStorageUnavailable)
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// parseDBTime reads aggregate timestamps, which drivers hand back as text
// (sqlite) or RFC 3339 (postgres via database/sql conversion).
func parseDBTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05.999999999",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
