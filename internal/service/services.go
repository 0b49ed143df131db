// Package service aggregates the application services for wiring.
package service

import (
	"github.com/lusomaq/rentgo/internal/service/hold"
	"github.com/lusomaq/rentgo/internal/service/jobs"
	"github.com/lusomaq/rentgo/internal/service/ops"
	"github.com/lusomaq/rentgo/internal/service/query"
	"github.com/lusomaq/rentgo/internal/service/reconcile"
)

type Services struct {
	Hold      *hold.Service
	Reconcile *reconcile.Service
	Jobs      *jobs.Service
	Ops       *ops.Service
	Query     *query.Service
}
