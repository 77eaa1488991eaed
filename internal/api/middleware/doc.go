// Package middleware provides gin middleware for the admin API.
package middleware
