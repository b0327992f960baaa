// Package mocks provides gomock implementations of the service interfaces.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=probe_engine_mock.go github.com/seantiz/redteam/internal/probe Engine
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=locker_mock.go github.com/seantiz/redteam/internal/engine Locker
