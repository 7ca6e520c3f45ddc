// Package metrics содержит счётчики Prometheus лепестковой экономики.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PetalsGranted считает начисленные лепестки по источнику.
var PetalsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "petals",
	Name:      "granted_total",
	Help:      "Petals credited to balances, by reason.",
}, []string{"reason"})

// PetalsSpent считает списанные лепестки по источнику.
var PetalsSpent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "petals",
	Name:      "spent_total",
	Help:      "Petals debited from balances, by reason.",
}, []string{"reason"})

// Rejections считает отклонённые операции по причине.
var Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "petals",
	Name:      "rejections_total",
	Help:      "Grant, spend and voucher requests rejected by a business rule.",
}, []string{"operation", "cause"})

// VouchersIssued считает выпущенные купоны по тарифу.
var VouchersIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "petals",
	Name:      "vouchers_issued_total",
	Help:      "Discount vouchers purchased with petals, by tier.",
}, []string{"tier"})

// RateLimited считает клики, отброшенные ограничителем частоты.
var RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "petals",
	Name:      "rate_limited_total",
	Help:      "Petal collection requests rejected by the rate limiter, by backend.",
}, []string{"backend"})

// GuestMigrations считает перенесённые гостевые балансы.
var GuestMigrations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "petals",
	Name:      "guest_migrations_total",
	Help:      "Guest balances moved into user accounts.",
})

// IdempotentReplays считает повторы запросов с уже обработанным ключом.
var IdempotentReplays = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "petals",
	Name:      "idempotent_replays_total",
	Help:      "Requests answered from a stored idempotency record.",
}, []string{"operation"})
