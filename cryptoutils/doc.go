// Package cryptoutils provides certificate and key handling primitives for
// the clone orchestration service.
//
// It defines validated PEM newtypes (TLSCert, TLSKey, CACert) used across the
// service boundary, plus helpers for key generation, serial numbers and
// certificate verification. The certificate authority in package ca builds on
// these primitives; HTTP handlers exchange them as PEM bundles.
package cryptoutils
