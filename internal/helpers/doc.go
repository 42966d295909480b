// Package helpers classifies IP addresses for redirect-URI vetting.
package helpers
