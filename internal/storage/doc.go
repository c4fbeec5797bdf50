// Package storage persists the guild -> label -> channel binding document.
//
// Every driver stores the whole mapping and replaces it atomically on each write.
// It also keeps an append-only audit trail of register/remove/evict actions.
package storage
