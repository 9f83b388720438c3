package memory

import "github.com/R3E-Network/mixer/internal/storage"

var _ storage.Store = (*Store)(nil)
