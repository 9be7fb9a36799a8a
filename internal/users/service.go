package users

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Beacon515L/Rastel/internal/apperr"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	opServiceNew    = "users.service.new"
	opRegister      = "users.register"
	opUpdate        = "users.update"
	opAuthenticate  = "users.authenticate"
	opMarkVerified  = "users.mark_verified"
	defaultDelayMin = 500 * time.Millisecond
	defaultDelayMax = time.Second
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errInvalidEmail      = errors.New("a valid email address is required")
	errInvalidTimezone   = errors.New("timezone must be an IANA zone name")
	errAlreadyRegistered = errors.New("email address already registered and verified")
	errBadCredentials    = errors.New("invalid email or password")
	errUnknownUser       = errors.New("user not found")
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Validator  *validator.Validate
	// RequireVerification keeps new accounts unverified and restricts login to verified ones.
	RequireVerification bool
	HashCost            int
	LoginDelayMin       time.Duration
	LoginDelayMax       time.Duration
	// Delay waits out the login delay for unknown accounts. Defaults to a context-aware sleep.
	Delay  func(context.Context, time.Duration) error
	Logger *zap.Logger
}

// Service registers accounts, updates them and checks credentials.
type Service struct {
	db                  *gorm.DB
	idProvider          IDProvider
	validate            *validator.Validate
	requireVerification bool
	hashCost            int
	delayMin            time.Duration
	delayMax            time.Duration
	delay               func(context.Context, time.Duration) error
	logger              *zap.Logger
}

// UpdateInput carries the replacement account details. OldPassword must match the stored hash.
type UpdateInput struct {
	Email       string
	Password    string
	OldPassword string
	Timezone    string
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindDatabaseError, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New(apperr.KindDatabaseError, opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	validate := cfg.Validator
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	hashCost := cfg.HashCost
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}
	delayMin, delayMax := cfg.LoginDelayMin, cfg.LoginDelayMax
	if delayMin <= 0 && delayMax <= 0 {
		delayMin, delayMax = defaultDelayMin, defaultDelayMax
	}
	if delayMax < delayMin {
		delayMax = delayMin
	}
	delay := cfg.Delay
	if delay == nil {
		delay = sleep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:                  cfg.Database,
		idProvider:          cfg.IDProvider,
		validate:            validate,
		requireVerification: cfg.RequireVerification,
		hashCost:            hashCost,
		delayMin:            delayMin,
		delayMax:            delayMax,
		delay:               delay,
		logger:              logger,
	}, nil
}

// Register creates an account and returns its id. Re-registering an email that was never
// verified replaces its password and timezone; a verified email is reported as already registered.
func (s *Service) Register(ctx context.Context, email, password, timezone string) (string, error) {
	email = normalizeEmail(email)
	timezone = strings.TrimSpace(timezone)
	if err := s.checkEmailAndZone(opRegister, email, timezone); err != nil {
		return "", err
	}
	hash, err := s.hash(opRegister, password)
	if err != nil {
		return "", err
	}

	var userID string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing User
		err := tx.Where("email = ?", email).Take(&existing).Error
		switch {
		case err == nil:
			if existing.Verified {
				return apperr.New(apperr.KindAlreadyRegistered, opRegister, "already_registered", errAlreadyRegistered)
			}
			if err := tx.Model(&existing).Updates(map[string]any{
				"password_hash": hash,
				"timezone":      timezone,
			}).Error; err != nil {
				return apperr.New(apperr.KindDatabaseError, opRegister, "update_failed", err)
			}
			userID = existing.ID
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return apperr.New(apperr.KindDatabaseError, opRegister, "lookup_failed", err)
		}

		id, err := s.idProvider.NewID()
		if err != nil {
			return apperr.New(apperr.KindDatabaseError, opRegister, "id_generation_failed", err)
		}
		user := User{
			ID:           id,
			Email:        email,
			PasswordHash: hash,
			Timezone:     timezone,
			Verified:     !s.requireVerification,
		}
		if err := tx.Create(&user).Error; err != nil {
			return apperr.New(apperr.KindDatabaseError, opRegister, "insert_failed", err)
		}
		userID = id
		return nil
	})
	if txErr != nil {
		if apperr.KindOf(txErr) == apperr.KindDatabaseError {
			s.logError(opRegister, apperr.CodeOf(txErr), txErr)
		}
		return "", txErr
	}
	s.logger.Info("user registered", zap.String("user_id", userID))
	return userID, nil
}

// Update replaces the account's email, password and timezone after checking OldPassword.
func (s *Service) Update(ctx context.Context, userID string, input UpdateInput) (User, error) {
	email := normalizeEmail(input.Email)
	timezone := strings.TrimSpace(input.Timezone)
	if err := s.checkEmailAndZone(opUpdate, email, timezone); err != nil {
		return User{}, err
	}
	hash, err := s.hash(opUpdate, input.Password)
	if err != nil {
		return User{}, err
	}

	var updated User
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := s.accounts(tx).Where("id = ?", strings.TrimSpace(userID)).Take(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.KindAuthFail, opUpdate, "unknown_user", errUnknownUser)
			}
			return apperr.New(apperr.KindDatabaseError, opUpdate, "lookup_failed", err)
		}
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.OldPassword)) != nil {
			return apperr.New(apperr.KindAuthFail, opUpdate, "old_password_mismatch", errBadCredentials)
		}
		if email != user.Email {
			var taken int64
			if err := tx.Model(&User{}).Where("email = ? AND id <> ?", email, user.ID).Count(&taken).Error; err != nil {
				return apperr.New(apperr.KindDatabaseError, opUpdate, "lookup_failed", err)
			}
			if taken > 0 {
				return apperr.New(apperr.KindAlreadyRegistered, opUpdate, "email_taken", errAlreadyRegistered)
			}
		}
		if err := tx.Model(&user).Updates(map[string]any{
			"email":         email,
			"password_hash": hash,
			"timezone":      timezone,
		}).Error; err != nil {
			return apperr.New(apperr.KindDatabaseError, opUpdate, "update_failed", err)
		}
		user.Email = email
		user.Timezone = timezone
		updated = user
		return nil
	})
	if txErr != nil {
		if apperr.KindOf(txErr) == apperr.KindDatabaseError {
			s.logError(opUpdate, apperr.CodeOf(txErr), txErr, zap.String("user_id", userID))
		}
		return User{}, txErr
	}
	updated.PasswordHash = ""
	return updated, nil
}

// Authenticate checks an email and password. Unknown accounts fail only after a random delay
// so that response timing does not reveal whether an account exists.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return User{}, apperr.New(apperr.KindNoEmail, opAuthenticate, "missing_email", errInvalidEmail)
	}

	var user User
	err := s.accounts(s.db.WithContext(ctx)).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if delayErr := s.delay(ctx, s.randomDelay()); delayErr != nil {
			return User{}, apperr.New(apperr.KindAuthFail, opAuthenticate, "unknown_account", delayErr)
		}
		return User{}, apperr.New(apperr.KindAuthFail, opAuthenticate, "unknown_account", errBadCredentials)
	}
	if err != nil {
		s.logError(opAuthenticate, "lookup_failed", err)
		return User{}, apperr.New(apperr.KindDatabaseError, opAuthenticate, "lookup_failed", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return User{}, apperr.New(apperr.KindAuthFail, opAuthenticate, "password_mismatch", errBadCredentials)
	}
	user.PasswordHash = ""
	return user, nil
}

// MarkVerified flags the account registered under email as verified.
func (s *Service) MarkVerified(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	result := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", email).Update("verified", true)
	if result.Error != nil {
		s.logError(opMarkVerified, "update_failed", result.Error)
		return apperr.New(apperr.KindDatabaseError, opMarkVerified, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.KindNoEmail, opMarkVerified, "unknown_email", errUnknownUser)
	}
	return nil
}

func (s *Service) accounts(db *gorm.DB) *gorm.DB {
	if s.requireVerification {
		return db.Where("verified = ?", true)
	}
	return db
}

func (s *Service) checkEmailAndZone(operation, email, timezone string) error {
	if err := s.validate.Var(email, "required,email"); err != nil {
		return apperr.New(apperr.KindNoEmail, operation, "invalid_email", errInvalidEmail)
	}
	if err := s.validate.Var(timezone, "required,timezone"); err != nil {
		return apperr.New(apperr.KindInvalidTimezone, operation, "invalid_timezone", errInvalidTimezone)
	}
	return nil
}

func (s *Service) hash(operation, password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return "", apperr.New(apperr.KindBadRequest, operation, "unusable_password", err)
	}
	return string(hash), nil
}

func (s *Service) randomDelay() time.Duration {
	spread := s.delayMax - s.delayMin
	if spread <= 0 {
		return s.delayMin
	}
	return s.delayMin + time.Duration(rand.Int64N(int64(spread)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}
