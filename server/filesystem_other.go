//go:build !darwin

package server

type platformOps interface{}
