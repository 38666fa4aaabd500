package repo

import (
	"fmt"

	"github.com/shaiso/Tributary/internal/domain"
)

// Общие ошибки репозиториев. Оборачивают доменные классы,
// поэтому errors.Is(err, domain.ErrNotFound) тоже срабатывает.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = fmt.Errorf("record %w", domain.ErrNotFound)

	// ErrAlreadyExists — запись уже существует с другими данными.
	ErrAlreadyExists = fmt.Errorf("record already exists: %w", domain.ErrConflict)
)
