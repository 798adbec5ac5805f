package badgerstore

import "log"

// logger routes Badger's warnings and errors to the standard logger.
type logger struct{}

func (logger) Errorf(format string, args ...any)   { log.Printf("badger: ERROR: "+format, args...) }
func (logger) Warningf(format string, args ...any) { log.Printf("badger: WARN: "+format, args...) }
func (logger) Infof(string, ...any)                {}
func (logger) Debugf(string, ...any)               {}
