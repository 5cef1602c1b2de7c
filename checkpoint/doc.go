// Package checkpoint is documented in checkpoint.go; see Data and Store.
package checkpoint
