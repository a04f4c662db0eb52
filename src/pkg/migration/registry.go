package migration

import (
	"fmt"
	"sort"
)

// Registry 有序、只追加的迁移描述列表
type Registry struct {
	descriptors []*Descriptor
	byVersion   map[uint]*Descriptor
}

// NewRegistry 创建迁移注册表
// 版本号必须从最早版本开始连续递增，名称必须唯一且非空
func NewRegistry(descriptors ...*Descriptor) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("registry must contain at least one migration")
	}

	for _, d := range descriptors {
		if d == nil {
			return nil, fmt.Errorf("migration descriptor cannot be nil")
		}
	}

	sorted := make([]*Descriptor, len(descriptors))
	copy(sorted, descriptors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})

	r := &Registry{
		descriptors: sorted,
		byVersion:   make(map[uint]*Descriptor, len(sorted)),
	}
	names := make(map[string]uint, len(sorted))
	for i, d := range sorted {
		if d.Version == 0 {
			return nil, fmt.Errorf("migration %q: version must be positive", d.Name)
		}
		if d.Name == "" {
			return nil, fmt.Errorf("migration %d: name cannot be empty", d.Version)
		}
		if d.Kind != KindAutomatic && d.Kind != KindManual {
			return nil, fmt.Errorf("migration %d: unknown kind %v", d.Version, d.Kind)
		}
		if _, exists := r.byVersion[d.Version]; exists {
			return nil, fmt.Errorf("migration version %d registered twice", d.Version)
		}
		if other, exists := names[d.Name]; exists {
			return nil, fmt.Errorf("migration name %q used by versions %d and %d", d.Name, other, d.Version)
		}
		if i > 0 && d.Version != sorted[i-1].Version+1 {
			return nil, fmt.Errorf("migration versions have a gap between %d and %d", sorted[i-1].Version, d.Version)
		}
		r.byVersion[d.Version] = d
		names[d.Name] = d.Version
	}
	return r, nil
}

// MustNewRegistry 创建迁移注册表，失败时panic
func MustNewRegistry(descriptors ...*Descriptor) *Registry {
	r, err := NewRegistry(descriptors...)
	if err != nil {
		panic(fmt.Sprintf("failed to build migration registry: %v", err))
	}
	return r
}

// CurrentVersion 本程序已知的最高版本
func (r *Registry) CurrentVersion() uint {
	return r.descriptors[len(r.descriptors)-1].Version
}

// Earliest 全新安装的起始版本
func (r *Registry) Earliest() *Descriptor {
	return r.descriptors[0]
}

// All 返回全部描述（升序）
func (r *Registry) All() []*Descriptor {
	out := make([]*Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Get 按版本获取描述
func (r *Registry) Get(version uint) (*Descriptor, bool) {
	d, ok := r.byVersion[version]
	return d, ok
}

// Pending 返回版本大于 from 的描述，升序
func (r *Registry) Pending(from uint) []*Descriptor {
	idx := sort.Search(len(r.descriptors), func(i int) bool {
		return r.descriptors[i].Version > from
	})
	out := make([]*Descriptor, len(r.descriptors)-idx)
	copy(out, r.descriptors[idx:])
	return out
}

// HasDestructive 待应用的迁移中是否有 manual 类型
func (r *Registry) HasDestructive(from uint) bool {
	for _, d := range r.Pending(from) {
		if d.Kind == KindManual {
			return true
		}
	}
	return false
}

// RequiresBackup 待应用的迁移中是否有要求备份的
func (r *Registry) RequiresBackup(from uint) bool {
	for _, d := range r.Pending(from) {
		if d.RequiresBackup || d.Kind == KindManual {
			return true
		}
	}
	return false
}

// HasBarrier 待应用的迁移中是否有无法原地升级的版本
func (r *Registry) HasBarrier(from uint) bool {
	for _, d := range r.Pending(from) {
		if d.UpgradeBarrier {
			return true
		}
	}
	return false
}

// Versions 提取版本号
func Versions(descriptors []*Descriptor) []uint {
	out := make([]uint, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d.Version)
	}
	return out
}
