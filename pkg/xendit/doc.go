// Package xendit is a narrow client for Xendit hosted invoices: creating
// one at checkout and decoding the invoice callback that reports its
// outcome.
package xendit
