// Package contracts defines the interfaces that tie the event bus together.
//
// Every concrete backend (Kafka, Redis Streams, in-memory, GORM, Prometheus)
// lives behind one of these contracts so higher layers never import a broker
// or storage library directly. Drivers are wired at the composition root.
package contracts
