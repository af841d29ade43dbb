package mock

//go:generate mockgen -destination clock.go -package mock github.com/buildbarn/bb-checkpoint/pkg/clock Clock
//go:generate mockgen -destination pagemap.go -package mock github.com/buildbarn/bb-checkpoint/pkg/pagemap PageMap
//go:generate mockgen -destination statelayout.go -package mock github.com/buildbarn/bb-checkpoint/pkg/statelayout StatesMetadataStore
